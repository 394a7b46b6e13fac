package vrmode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"vrmoded/internal/component"
	"vrmoded/internal/metrics"
)

// ErrNotConnected is returned by Conn implementations used after Close.
var ErrNotConnected = errors.New("vrmode: listener not connected")

// CallKind identifies an outbound call to a bound listener.
type CallKind int

const (
	// CallCallerChanged tells the listener which caller now has focus.
	CallCallerChanged CallKind = iota + 1
	// CallModeChanged tells the listener VR mode was toggled.
	CallModeChanged
)

// String returns the call name.
func (k CallKind) String() string {
	switch k {
	case CallCallerChanged:
		return "caller_changed"
	case CallModeChanged:
		return "mode_changed"
	default:
		return fmt.Sprintf("call(%d)", int(k))
	}
}

// Call is a message queued for a bound listener.
type Call struct {
	Kind    CallKind           `json:"kind"`
	Caller  component.Identity `json:"caller,omitempty"`
	Enabled bool               `json:"enabled"`
}

// Conn is an established connection to a listener.
type Conn interface {
	Send(call Call) error
	Close() error
}

// ClosedNotifier is implemented by connections that can report being closed
// by the listener. A handle whose connection reports closure drops to
// Disconnected.
type ClosedNotifier interface {
	Done() <-chan struct{}
}

// Binder starts asynchronous connections to listeners. Bind must not block;
// done is invoked exactly once, from any goroutine, when the attempt
// completes.
type Binder interface {
	Bind(id component.Identity, scope component.ScopeID, done func(Conn, error))
}

// ConnState is the connection state of a ServiceHandle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ServiceHandle is one bound listener instance. Calls sent before the
// connection completes are queued and delivered in FIFO order by a worker
// goroutine once Connected.
type ServiceHandle struct {
	id     component.Identity
	scope  component.ScopeID
	binder Binder
	clock  clock.Clock

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state ConnState
	gen   uint64
	conn  Conn
	queue []Call
	wake  chan struct{}
	done  chan struct{}
}

func newServiceHandle(id component.Identity, scope component.ScopeID, b Binder, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *ServiceHandle {
	return &ServiceHandle{
		id:      id,
		scope:   scope,
		binder:  b,
		clock:   clk,
		logger:  logger.With("listener", id.String(), "scope", int(scope)),
		metrics: m,
	}
}

// Identity returns the listener identity.
func (h *ServiceHandle) Identity() component.Identity { return h.id }

// Scope returns the scope the handle was bound under.
func (h *ServiceHandle) Scope() component.ScopeID { return h.scope }

// State returns the current connection state.
func (h *ServiceHandle) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Queued returns the number of undelivered calls.
func (h *ServiceHandle) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Matches reports whether the handle is for id under scope.
func (h *ServiceHandle) Matches(id component.Identity, scope component.ScopeID) bool {
	return h.id == id && h.scope == scope
}

// Connect starts binding. It returns immediately; calling it on a handle that
// is not Disconnected does nothing.
func (h *ServiceHandle) Connect() {
	h.mu.Lock()
	if h.state != Disconnected {
		h.mu.Unlock()
		return
	}
	h.state = Connecting
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	h.metrics.RecordBind()
	started := h.clock.Now()
	h.binder.Bind(h.id, h.scope, func(conn Conn, err error) {
		h.onConnected(gen, started, conn, err)
	})
}

func (h *ServiceHandle) onConnected(gen uint64, started time.Time, conn Conn, err error) {
	h.mu.Lock()
	if gen != h.gen || h.state != Connecting {
		h.mu.Unlock()
		h.metrics.RecordStaleConnection()
		h.logger.Debug("dropping superseded connection", "error", err)
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	h.metrics.RecordBindResult(h.clock.Now().Sub(started), err)
	if err != nil {
		h.state = Disconnected
		h.queue = nil
		h.mu.Unlock()
		h.logger.Warn("listener bind failed", "error", err)
		return
	}

	h.state = Connected
	h.conn = conn
	h.wake = make(chan struct{}, 1)
	h.done = make(chan struct{})
	wake, done := h.wake, h.done
	pending := len(h.queue)
	h.mu.Unlock()

	h.logger.Info("listener connected", "queued", pending)
	go h.deliver(gen, conn, wake, done)
}

// deliver drains the queue for one connection generation and watches the
// connection for a hang-up.
func (h *ServiceHandle) deliver(gen uint64, conn Conn, wake <-chan struct{}, done <-chan struct{}) {
	var lost <-chan struct{}
	if n, ok := conn.(ClosedNotifier); ok {
		lost = n.Done()
	}
	for {
		h.mu.Lock()
		if h.gen != gen || h.state != Connected {
			h.mu.Unlock()
			return
		}
		if len(h.queue) == 0 {
			h.mu.Unlock()
			select {
			case <-wake:
			case <-done:
				return
			case <-lost:
				h.connectionLost(gen)
				return
			}
			continue
		}
		call := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		if err := conn.Send(call); err != nil {
			h.logger.Warn("listener call failed", "call", call.Kind.String(), "error", err)
		}
	}
}

// connectionLost drops the handle to Disconnected after the listener closed
// the connection of generation gen.
func (h *ServiceHandle) connectionLost(gen uint64) {
	h.mu.Lock()
	if h.gen != gen || h.state != Connected {
		h.mu.Unlock()
		return
	}
	h.state = Disconnected
	h.gen++
	h.queue = nil
	conn := h.conn
	h.conn = nil
	close(h.done)
	h.done = nil
	h.wake = nil
	h.mu.Unlock()

	h.metrics.RecordUnbind()
	_ = conn.Close()
	h.logger.Warn("listener connection lost")
}

// SendEvent queues call for delivery. Calls sent while not Connected are held
// until the connection completes; Disconnect discards them.
func (h *ServiceHandle) SendEvent(call Call) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, call)
	if h.state == Connected {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// Disconnect drops the connection and any undelivered calls. A pending
// connect completion is closed on arrival. Safe to call repeatedly.
func (h *ServiceHandle) Disconnect() {
	h.mu.Lock()
	if h.state == Disconnected {
		h.queue = nil
		h.mu.Unlock()
		return
	}
	h.state = Disconnected
	h.gen++
	h.queue = nil
	conn := h.conn
	h.conn = nil
	if h.done != nil {
		close(h.done)
		h.done = nil
		h.wake = nil
	}
	h.mu.Unlock()

	h.metrics.RecordUnbind()
	if conn != nil {
		if err := conn.Close(); err != nil {
			h.logger.Debug("closing listener connection", "error", err)
		}
	}
	h.logger.Info("listener disconnected")
}

// DisconnectIfNotMatching disconnects unless the handle is for id under
// scope, and reports whether a new binding is needed.
func (h *ServiceHandle) DisconnectIfNotMatching(id component.Identity, scope component.ScopeID) bool {
	if h.Matches(id, scope) {
		return false
	}
	h.Disconnect()
	return true
}
