package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := LevelString(test.level); result != test.expected {
				t.Errorf("expected %q, got %q", test.expected, result)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "vrmoded" {
		t.Errorf("expected component vrmoded, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "vrmoded.log") {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func TestJSONFormatAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: FormatJSON, Component: "vrmoded", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Info("bound", "listener", "com.example/.Listener")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if entry["msg"] != "bound" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "vrmoded" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["listener"] != "com.example/.Listener" {
		t.Errorf("listener = %v", entry["listener"])
	}
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := l.WithComponent("ipc")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %q", buf.String())
	}

	l.SetLevel(LevelDebug)
	if l.GetLevel() != LevelDebug {
		t.Errorf("GetLevel = %v", l.GetLevel())
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") || !strings.Contains(buf.String(), "component=ipc") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("login", "auth_token", "abc123", "caller", "settings")

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Errorf("token not redacted: %q", out)
	}
	if !strings.Contains(out, "caller=settings") {
		t.Errorf("caller redacted: %q", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"API_SECRET", true},
		{"session_token", true},
		{"listener", false},
		{"caller", false},
		{"scope", false},
	}
	for _, test := range tests {
		if got := shouldRedact(test.key); got != test.expected {
			t.Errorf("shouldRedact(%q) = %v, want %v", test.key, got, test.expected)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vrmoded.log")
	l, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")
	if err := l.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	l.Info("after rotate")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "after rotate") {
		t.Errorf("missing entry in %q", data)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "vrmoded-*.log*"))
	if len(matches) == 0 {
		t.Error("expected a rotated backup")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("got %q from empty context", got)
	}
	//nolint:staticcheck
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("got %q from nil context", got)
	}
}

func readAudit(t *testing.T, buf *bytes.Buffer) []AuditEvent {
	t.Helper()
	var out []AuditEvent
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a, err := NewAuditLogger(&AuditLoggerConfig{Component: "vrmoded", Writer: &buf, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	a.LogGrant("overlay_exemption", "com.example.vr", 0, true, nil)
	a.LogGrant("coarse_location", "com.example.vr", 10, false, errors.New("gone"))
	if err := a.LogModeChange(ContextWithRequestID(context.Background(), "r1"), ModeChange{
		ID: "t1", Enabled: true, Listener: "com.example.vr/.Listener", Caller: "settings", Scope: 0,
	}); err != nil {
		t.Fatalf("LogModeChange: %v", err)
	}
	if err := a.LogAuthentication(context.Background(), "pid 42", 1000, false); err != nil {
		t.Fatalf("LogAuthentication: %v", err)
	}

	events := readAudit(t, &buf)
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	if events[0].EventType != AuditEventGrant || events[0].Result != ResultSuccess || *events[0].Scope != 0 {
		t.Errorf("grant event = %+v", events[0])
	}
	if !events[0].Timestamp.Equal(now) || events[0].Component != "vrmoded" {
		t.Errorf("defaults not filled: %+v", events[0])
	}
	if events[1].EventType != AuditEventRevoke || events[1].Result != ResultFailure || events[1].Error != "gone" {
		t.Errorf("revoke event = %+v", events[1])
	}
	if events[2].EventType != AuditEventModeChange || events[2].Action != "enable" || events[2].RequestID != "r1" {
		t.Errorf("mode event = %+v", events[2])
	}
	if events[2].Details["caller"] != "settings" {
		t.Errorf("mode details = %v", events[2].Details)
	}
	if events[3].Result != ResultDenied {
		t.Errorf("auth event = %+v", events[3])
	}
}

func TestAuditLoggerClosed(t *testing.T) {
	a, err := NewAuditLogger(&AuditLoggerConfig{Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.LogShutdown(context.Background(), "test"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed, got %v", err)
	}

	var nilLogger *AuditLogger
	nilLogger.LogGrant("k", "p", 0, true, nil)
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	a, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if err := a.LogStartup(context.Background(), "1.0.0", nil); err != nil {
		t.Fatalf("LogStartup: %v", err)
	}
	a.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"startup"`) {
		t.Errorf("unexpected audit content %q", data)
	}
}

func TestCrashHandler(t *testing.T) {
	dir := t.TempDir()
	var seen []CrashReport
	h := NewCrashHandler(&CrashHandlerConfig{
		CrashDir: dir,
		Version:  "1.0.0",
		OnCrash:  func(r CrashReport) { seen = append(seen, r) },
	})

	report := h.HandlePanic("boom", map[string]any{"goroutine": "dispatcher"})
	if report.PanicValue != "boom" || report.Component != "vrmoded" {
		t.Errorf("report = %+v", report)
	}
	if len(seen) != 1 {
		t.Errorf("OnCrash called %d times", len(seen))
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(reports) != 1 || reports[0].Version != "1.0.0" {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].Context["goroutine"] != "dispatcher" {
		t.Errorf("context = %v", reports[0].Context)
	}
}

func TestCrashHandlerRecoverRepanics(t *testing.T) {
	h := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})

	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("expected re-panic with boom, got %v", r)
		}
		reports, _ := h.Reports()
		if len(reports) != 1 {
			t.Errorf("expected 1 report, got %d", len(reports))
		}
	}()

	func() {
		defer h.Recover(nil)
		panic("boom")
	}()
}

func TestCrashHandlerCleanup(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(&CrashHandlerConfig{CrashDir: dir})
	h.HandlePanic("old", nil)

	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(files[0], old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	n, err := h.Cleanup(24 * time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
}
