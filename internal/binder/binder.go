// Package binder connects the daemon to listener services over their Unix
// sockets. A connection is established with an IPC handshake naming the
// listener the daemon expects; calls are then written as one-way
// MsgListenerCall frames.
package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"vrmoded/internal/component"
	"vrmoded/internal/ipc"
	"vrmoded/internal/vrmode"
)

// ErrNoEndpoint is returned when the registry has no socket for a listener.
var ErrNoEndpoint = errors.New("binder: listener has no endpoint")

// EndpointResolver maps a listener to its socket path.
type EndpointResolver interface {
	Endpoint(id component.Identity) (string, bool)
}

// Config configures a Binder.
type Config struct {
	Resolver         EndpointResolver
	Version          string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// Binder dials listeners asynchronously. It implements vrmode.Binder.
type Binder struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Binder resolving endpoints through cfg.Resolver.
func New(cfg Config) (*Binder, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("binder: resolver is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Binder{
		cfg:    cfg,
		logger: logger.With("component", "binder"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Bind starts connecting to id and returns immediately. done is called
// exactly once with the connection or the error.
func (b *Binder) Bind(id component.Identity, scope component.ScopeID, done func(vrmode.Conn, error)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		conn, err := b.connect(b.ctx, id, scope)
		if err != nil {
			b.logger.Warn("bind failed", "listener", id.String(), "scope", int(scope), "error", err)
			done(nil, err)
			return
		}
		b.logger.Debug("listener connected", "listener", id.String(), "scope", int(scope))
		done(conn, nil)
	}()
}

// Close aborts in-flight binds and waits for their callbacks.
func (b *Binder) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *Binder) connect(ctx context.Context, id component.Identity, scope component.ScopeID) (*Conn, error) {
	path, ok := b.cfg.Resolver.Endpoint(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, id)
	}

	dialer := net.Dialer{Timeout: b.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("binder: dial %s: %w", path, err)
	}

	if err := b.handshake(nc, id, scope); err != nil {
		nc.Close()
		return nil, err
	}

	c := &Conn{
		id:           id,
		nc:           nc,
		writeTimeout: b.cfg.WriteTimeout,
		logger:       b.logger,
		closed:       make(chan struct{}),
	}
	go c.drain()
	return c, nil
}

func (b *Binder) handshake(nc net.Conn, id component.Identity, scope component.ScopeID) error {
	nc.SetDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	defer nc.SetDeadline(time.Time{})

	req, err := ipc.NewResponse(ipc.MsgHandshake, 1, &ipc.HandshakeRequest{
		ClientVersion:   b.cfg.Version,
		ClientName:      "vrmoded",
		ProtocolVersion: ipc.ProtocolVersion,
		Listener:        id.String(),
		Scope:           int(scope),
	})
	if err != nil {
		return fmt.Errorf("binder: encode handshake: %w", err)
	}
	if err := req.Write(nc); err != nil {
		return fmt.Errorf("binder: send handshake: %w", err)
	}

	resp, err := ipc.ReadMessage(nc)
	if err != nil {
		return fmt.Errorf("binder: read handshake: %w", err)
	}
	switch resp.Header.Type {
	case ipc.MsgHandshakeAck:
		return nil
	case ipc.MsgError:
		var e ipc.ErrorResponse
		if err := ipc.Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("binder: listener rejected handshake")
		}
		return fmt.Errorf("binder: listener rejected handshake: %w", &e)
	default:
		return fmt.Errorf("binder: unexpected handshake reply %s", resp.Header.Type)
	}
}

var (
	_ vrmode.Conn           = (*Conn)(nil)
	_ vrmode.ClosedNotifier = (*Conn)(nil)
)

// Conn is a connection to a bound listener.
type Conn struct {
	id           component.Identity
	nc           net.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	seq    uint32
	once   sync.Once
	closed chan struct{}
}

// Send writes call as a MsgListenerCall frame.
func (c *Conn) Send(call vrmode.Call) error {
	select {
	case <-c.closed:
		return vrmode.ErrNotConnected
	default:
	}

	payload, err := ipc.Encode(&ipc.ListenerCall{
		Kind:    call.Kind.String(),
		Caller:  call.Caller.String(),
		Enabled: call.Enabled,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ipc.NewMessage(ipc.MsgListenerCall, c.seq, payload).Write(c.nc); err != nil {
		return fmt.Errorf("binder: send %s: %w", call.Kind, err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection is closed by either side.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// drain answers pings and notices when the listener hangs up.
func (c *Conn) drain() {
	for {
		msg, err := ipc.ReadMessage(c.nc)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Info("listener hung up", "listener", c.id.String(), "error", err)
				c.Close()
			}
			return
		}
		if msg.Header.Type == ipc.MsgPing {
			c.mu.Lock()
			c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			ipc.NewMessage(ipc.MsgPong, msg.Header.RequestID, nil).Write(c.nc)
			c.mu.Unlock()
		}
	}
}
