package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/lumberjack/v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventModeChange     AuditEventType = "mode_change"
	AuditEventGrant          AuditEventType = "grant"
	AuditEventRevoke         AuditEventType = "revoke"
	AuditEventAuthentication AuditEventType = "authentication"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Scope     *int           `json:"scope,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string

	// Writer overrides FilePath when set.
	Writer io.Writer

	// Now overrides the event clock.
	Now func() time.Time
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "audit.log"),
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "vrmoded",
	}
}

// AuditLogger writes one JSON object per line for every grant, revoke and
// mode change.
type AuditLogger struct {
	component string
	now       func() time.Time

	mu   sync.Mutex
	w    io.Writer
	file *lumberjack.Logger
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	a := &AuditLogger{component: cfg.Component, now: cfg.Now}
	if a.now == nil {
		a.now = time.Now
	}

	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}
	f, err := newRotatingFile(cfg.FilePath, cfg.MaxSize, cfg.MaxAge, cfg.MaxBackups, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	a.file = f
	a.w = f
	return a, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return os.ErrClosed
	}
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogGrant records one permission grant or revoke. It matches the signature
// the grants manager reports through.
func (a *AuditLogger) LogGrant(kind, pkg string, scope int, granted bool, err error) {
	ev := AuditEvent{
		EventType: AuditEventRevoke,
		Action:    kind,
		Resource:  pkg,
		Scope:     &scope,
		Result:    ResultSuccess,
	}
	if granted {
		ev.EventType = AuditEventGrant
	}
	if err != nil {
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	_ = a.Log(context.Background(), ev)
}

// ModeChange describes one committed VR mode transition.
type ModeChange struct {
	ID            string
	Enabled       bool
	Listener      string
	Caller        string
	Scope         int
	GrantsApplied bool
	At            time.Time
}

// LogModeChange records a mode transition.
func (a *AuditLogger) LogModeChange(ctx context.Context, mc ModeChange) error {
	action := "disable"
	if mc.Enabled {
		action = "enable"
	}
	scope := mc.Scope
	return a.Log(ctx, AuditEvent{
		Timestamp: mc.At,
		EventType: AuditEventModeChange,
		Action:    action,
		Resource:  mc.Listener,
		Scope:     &scope,
		Result:    ResultSuccess,
		Details: map[string]any{
			"transition_id":  mc.ID,
			"caller":         mc.Caller,
			"grants_applied": mc.GrantsApplied,
		},
	})
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	details["pid"] = os.Getpid()
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "start",
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "stop",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigChange records a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, path string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "reload",
		Resource:  path,
		Result:    ResultSuccess,
	}
	if err != nil {
		ev.Result = ResultFailure
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogAuthentication records an IPC peer check.
func (a *AuditLogger) LogAuthentication(ctx context.Context, peer string, uid int, allowed bool) error {
	result := ResultSuccess
	if !allowed {
		result = ResultDenied
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAuthentication,
		Action:    "connect",
		Resource:  peer,
		Result:    result,
		Details:   map[string]any{"uid": uid},
	})
}

// Close closes the audit file, if any. Further events fail with
// os.ErrClosed.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.w = nil
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
