package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"vrmoded/internal/metrics"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// AuthAuditor records authentication decisions.
type AuthAuditor interface {
	LogAuthentication(ctx context.Context, peer string, uid int, allowed bool) error
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time
	cfg         ServerConfig
	logger      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	limiter       *PeerRateLimiter

	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Peer          *PeerCredentials
	Permission    PermissionLevel
	Authenticated bool
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	writeMu sync.Mutex
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// AllowedUIDs may mutate state in addition to root and the daemon user.
	AllowedUIDs []int
	// RateLimit bounds state-changing requests per peer user, per second.
	// 0 disables limiting.
	RateLimit float64
	RateBurst int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Auditor     AuthAuditor
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Permissions:    0660,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Permissions == 0 {
		cfg.Permissions = def.Permissions
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *PeerRateLimiter
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		limiter = NewPeerRateLimiter(clock.WallClock, cfg.RateLimit, burst, 10*time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		limiter:     limiter,
		handler:     handler,
		cfg:         cfg,
		logger:      cfg.Logger,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("another daemon is listening on %s", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Serve starts the server and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.notifyShutdown()
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.logger.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients. Events are dropped
// when the server is stopped or the queue is full.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Warn("ipc event queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Permission:   PermReadOnly,
			ConnectedAt:  now,
			LastActivity: now,
		}
		if cred, err := GetPeerCredentials(conn); err == nil {
			client.Peer = cred
		} else {
			s.logger.Debug("peer credentials unavailable", "error", err)
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.logger.Debug("client disconnected", "client", client.ID)
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			s.logger.Debug("read failed", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		s.cfg.Metrics.RecordIPCRequest(msg.Header.Type.String())
		response, err := s.processMessage(client, msg)
		if err != nil {
			s.logger.Warn("request failed", "client", client.ID, "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)

	case MsgSubscribe:
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	}

	client.mu.Lock()
	authenticated, perm := client.Authenticated, client.Permission
	client.mu.Unlock()

	if !authenticated && msg.Header.Type != MsgStatusRequest {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
	}
	if msg.Header.Type.Mutating() {
		if perm < PermReadWrite {
			return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "read-only client"), nil
		}
		if s.limiter != nil && client.Peer != nil && !s.limiter.Allow(client.Peer.UID) {
			s.logger.Warn("request rate limited", "client", client.ID, "peer", client.Peer.String())
			return NewErrorMessage(msg.Header.RequestID, ErrRateLimited, "rate limit exceeded"), nil
		}
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, client, msg)
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	perm := client.Permission
	client.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
		Permission:      perm,
	})
}

// handleAuthenticate grants read-write to root, the daemon's own user and
// the configured UIDs. Everyone else who can reach the socket is read-only.
func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}
	if req.Method != "peercred" {
		return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
			Error: fmt.Sprintf("unsupported method %q", req.Method),
		})
	}
	if client.Peer == nil {
		return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
			Error: ErrNoPeerCredentials.Error(),
		})
	}

	uid := client.Peer.UID
	perm := PermReadOnly
	if s.writerUID(uid) {
		perm = PermReadWrite
	}

	client.mu.Lock()
	client.Authenticated = true
	client.Permission = perm
	client.mu.Unlock()

	if s.cfg.Auditor != nil {
		_ = s.cfg.Auditor.LogAuthentication(s.ctx, client.Peer.String(), uid, perm == PermReadWrite)
	}
	s.logger.Debug("client authenticated", "client", client.ID, "peer", client.Peer.String(), "permission", perm)

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, &AuthResponse{
		Success:    true,
		Permission: perm,
		UID:        uid,
	})
}

func (s *Server) writerUID(uid int) bool {
	return uid == 0 || uid == os.Getuid() || slices.Contains(s.cfg.AllowedUIDs, uid)
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{clientID: client.ID, events: make(map[EventType]bool, len(events))}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster delivers events in order to each subscriber.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			payload, err := Encode(event)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}

			s.mu.RLock()
			var targets []*Client
			for clientID, sub := range s.subscribers {
				if !sub.events[event.Type] {
					continue
				}
				if client, ok := s.clients[clientID]; ok {
					targets = append(targets, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
				if err := s.sendMessage(client, msg); err != nil {
					s.logger.Debug("event delivery failed", "client", client.ID, "error", err)
				}
			}
		}
	}
}

// notifyShutdown delivers EventDaemonShutdown directly, bypassing the
// queue that stops with the server.
func (s *Server) notifyShutdown() {
	ev, err := NewEvent(EventDaemonShutdown, "", time.Now(), nil)
	if err != nil {
		return
	}
	payload, err := Encode(ev)
	if err != nil {
		return
	}

	s.mu.RLock()
	var targets []*Client
	for clientID, sub := range s.subscribers {
		if client, ok := s.clients[clientID]; ok && sub.events[EventDaemonShutdown] {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		s.sendMessage(client, NewMessage(MsgEvent, s.nextRequestID.Add(1), payload))
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	s.sendMessage(client, NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
