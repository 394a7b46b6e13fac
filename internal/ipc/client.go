package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"vrmoded/internal/vrmode"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the vrmoded daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	sessionID  string
	version    string
	permission PermissionLevel

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	eventChan chan *Event
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "vrmodectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect dials the daemon, then performs the handshake and peer
// credential authentication.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(ctx); err != nil {
		c.close()
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.eventChan) })
	return nil
}

// close closes the connection without signaling shutdown
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the permission granted by the server.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// Events returns the event channel for streaming events. It is closed by
// Close.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	ack, err := call[HandshakeResponse](ctx, c, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) authenticate(ctx context.Context) error {
	resp, err := call[AuthResponse](ctx, c, MsgAuthenticate, &AuthRequest{Method: "peercred"}, MsgAuthResponse)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Error)
	}

	c.mu.Lock()
	c.permission = resp.Permission
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the matching response.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// call performs a request and decodes a response of type want. Error
// frames are returned as *ErrorResponse.
func call[T any](ctx context.Context, c *IPCClient, msgType MessageType, req any, want MessageType) (*T, error) {
	resp, err := c.request(ctx, msgType, req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		return nil, &errResp
	}
	if resp.Header.Type != want {
		return nil, fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}

	var out T
	if len(resp.Payload) > 0 {
		if err := Decode(resp.Payload, &out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// Channel full, drop event
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	return call[StatusResponse](ctx, c, MsgStatusRequest, nil, MsgStatusResponse)
}

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	resp, err := c.request(ctx, MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return nil
}

// RequestMode enables or disables VR mode for listener in scope. It
// reports whether the listener was valid.
func (c *IPCClient) RequestMode(ctx context.Context, enabled bool, listener string, scope int, caller string) (bool, error) {
	resp, err := call[RequestModeResponse](ctx, c, MsgRequestMode, &RequestModeRequest{
		Enabled:  enabled,
		Listener: listener,
		Scope:    scope,
		Caller:   caller,
	}, MsgRequestModeResp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// SetSleeping reports the device sleep state.
func (c *IPCClient) SetSleeping(ctx context.Context, asleep bool) error {
	_, err := call[AckResponse](ctx, c, MsgSetSleeping, &SetGateRequest{Value: asleep}, MsgAck)
	return err
}

// SetScreenOn reports the screen state.
func (c *IPCClient) SetScreenOn(ctx context.Context, on bool) error {
	_, err := call[AckResponse](ctx, c, MsgSetScreenOn, &SetGateRequest{Value: on}, MsgAck)
	return err
}

// IsCurrentService reports whether listener is the bound listener.
func (c *IPCClient) IsCurrentService(ctx context.Context, listener string, scope int) (bool, error) {
	resp, err := call[IsCurrentServiceResponse](ctx, c, MsgIsCurrentService,
		&ListenerQuery{Listener: listener, Scope: scope}, MsgIsCurrentServiceResp)
	if err != nil {
		return false, err
	}
	return resp.Current, nil
}

// ValidateCandidate checks listener against the registry.
func (c *IPCClient) ValidateCandidate(ctx context.Context, listener string, scope int) (*ValidateCandidateResponse, error) {
	return call[ValidateCandidateResponse](ctx, c, MsgValidateCandidate,
		&ListenerQuery{Listener: listener, Scope: scope}, MsgValidateCandidateResp)
}

// SwitchScope changes the active scope.
func (c *IPCClient) SwitchScope(ctx context.Context, scope int) error {
	_, err := call[AckResponse](ctx, c, MsgSwitchScope, &SwitchScopeRequest{Scope: scope}, MsgAck)
	return err
}

// Dump returns the retained transition records, oldest first.
func (c *IPCClient) Dump(ctx context.Context) ([]vrmode.TransitionRecord, error) {
	resp, err := call[DumpResponse](ctx, c, MsgDump, nil, MsgDumpResp)
	if err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// ListGrants returns grant state with up to history past changes.
func (c *IPCClient) ListGrants(ctx context.Context, history int) (*ListGrantsResponse, error) {
	return call[ListGrantsResponse](ctx, c, MsgListGrants, &ListGrantsRequest{History: history}, MsgListGrantsResp)
}

// Subscribe subscribes to events; none means all.
func (c *IPCClient) Subscribe(ctx context.Context, events ...EventType) error {
	resp, err := call[SubscribeResponse](ctx, c, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription rejected")
	}
	return nil
}

// Unsubscribe stops event delivery.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	resp, err := c.request(ctx, MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return nil
}
