package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrmoded/internal/config"
	"vrmoded/internal/ipc"
	"vrmoded/internal/vrmode"
)

type testEnv struct {
	dir        string
	configPath string
	socketPath string
	auditPath  string
	calls      chan ipc.ListenerCall
}

// newTestEnv writes a configuration with one installed listener whose
// socket answers the bind handshake.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("peer credentials unsupported on " + runtime.GOOS)
	}

	dir, err := os.MkdirTemp("", "vrd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		socketPath: filepath.Join(dir, "d.sock"),
		auditPath:  filepath.Join(dir, "audit.log"),
		calls:      make(chan ipc.ListenerCall, 16),
	}

	listenerSock := filepath.Join(dir, "l.sock")
	env.serveListener(t, listenerSock)

	manifests := filepath.Join(dir, "listeners.d")
	require.NoError(t, os.MkdirAll(manifests, 0755))
	manifest := fmt.Sprintf(`package = "com.example.vr"
class = ".Listener"
permission = "vrmoded.permission.BIND_VR_LISTENER"
installed_scopes = [0]
enabled_scopes = [0]
endpoint = %q
`, listenerSock)
	require.NoError(t, os.WriteFile(filepath.Join(manifests, "vr.toml"), []byte(manifest), 0644))

	cfg := config.DefaultConfig()
	cfg.Registry.ManifestDir = manifests
	cfg.Registry.TrustedPackages = []string{"com.example.vr"}
	cfg.Grants.DatabasePath = filepath.Join(dir, "grants.db")
	cfg.IPC.SocketPath = env.socketPath
	cfg.Signals.Enabled = false
	cfg.Logging.Output = "stderr"
	cfg.Audit.Enabled = true
	cfg.Audit.FilePath = env.auditPath
	cfg.HTTP.Listen = ""
	require.NoError(t, config.SaveConfig(cfg, env.configPath))
	return env
}

func (e *testEnv) serveListener(t *testing.T, path string) {
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := ipc.ReadMessage(conn)
				if err != nil {
					return
				}
				ack, _ := ipc.NewResponse(ipc.MsgHandshakeAck, req.Header.RequestID, &ipc.HandshakeResponse{})
				if ack.Write(conn) != nil {
					return
				}
				for {
					msg, err := ipc.ReadMessage(conn)
					if err != nil {
						return
					}
					var lc ipc.ListenerCall
					if ipc.Decode(msg.Payload, &lc) == nil {
						e.calls <- lc
					}
				}
			}()
		}
	}()
}

func startDaemon(t *testing.T, env *testEnv) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, env.configPath, "debug") }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func dial(t *testing.T, socket string) *ipc.IPCClient {
	t.Helper()
	var client *ipc.IPCClient
	require.Eventually(t, func() bool {
		c := ipc.NewClient(ipc.DefaultClientConfig(socket))
		if err := c.Connect(context.Background()); err != nil {
			c.Close()
			return false
		}
		client = c
		return true
	}, 10*time.Second, 50*time.Millisecond)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDaemonEnableDisable(t *testing.T) {
	env := newTestEnv(t)
	cancel, errCh := startDaemon(t, env)
	client := dial(t, env.socketPath)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, ipc.EventModeChanged))

	valid, err := client.RequestMode(ctx, true, "com.example.vr/.Listener", 0, "com.example.app/.Main")
	require.NoError(t, err)
	assert.True(t, valid)

	select {
	case ev := <-client.Events():
		assert.Equal(t, ipc.EventModeChanged, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no mode change event")
	}

	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Enabled && st.Connection == "connected"
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-env.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("listener received no call")
	}

	grants, err := client.ListGrants(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, grants.Grants)

	valid, err = client.RequestMode(ctx, false, "", 0, "")
	require.NoError(t, err)
	assert.False(t, valid)

	// The disable is applied once the debounce delay passes.
	var recs []vrmode.TransitionRecord
	require.Eventually(t, func() bool {
		recs, err = client.Dump(ctx)
		return err == nil && len(recs) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, recs[0].Enabled)
	assert.False(t, recs[1].Enabled)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatal("daemon did not stop")
	}

	audit, err := os.ReadFile(env.auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"mode_change"`)
	assert.Contains(t, string(audit), `"startup"`)
	assert.Contains(t, string(audit), `"shutdown"`)
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ipc]\npermissions = \"rwx\"\n"), 0644))

	err := run(context.Background(), path, "")
	assert.ErrorContains(t, err, "load config")
}
