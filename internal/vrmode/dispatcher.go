package vrmode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"vrmoded/internal/metrics"
)

// Event types emitted by the dispatcher.
const (
	EventModeChanged = "io.vrmoded.mode.changed"

	eventSource = "vrmoded/coordinator"
)

// ModeChangedData is the payload of EventModeChanged.
type ModeChangedData struct {
	Enabled bool `json:"enabled"`
}

// Observer receives mode-change notifications.
type Observer interface {
	ObserverID() string
	OnEvent(ctx context.Context, event cloudevents.Event) error
}

// FuncObserver adapts a function to the Observer interface.
type FuncObserver struct {
	ID string
	Fn func(ctx context.Context, event cloudevents.Event) error
}

// ObserverID implements Observer.
func (f FuncObserver) ObserverID() string { return f.ID }

// OnEvent implements Observer.
func (f FuncObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.Fn(ctx, event)
}

// EnabledFrom extracts the enabled flag from an EventModeChanged event.
func EnabledFrom(event cloudevents.Event) (bool, error) {
	if event.Type() != EventModeChanged {
		return false, fmt.Errorf("vrmode: unexpected event type %q", event.Type())
	}
	var data ModeChangedData
	if err := event.DataAs(&data); err != nil {
		return false, fmt.Errorf("vrmode: decoding event data: %w", err)
	}
	return data.Enabled, nil
}

type delivery struct {
	event     cloudevents.Event
	observers []Observer
}

// EventDispatcher fans events out to observers on its own goroutine so a
// slow observer never blocks the broadcaster. Each broadcast is delivered to
// the observers registered at the time of the broadcast.
type EventDispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu        sync.RWMutex
	observers map[string]Observer

	qmu    sync.Mutex
	queue  []delivery
	wake   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventDispatcher starts a dispatcher. timeout bounds each observer call
// through its context; zero means no deadline.
func NewEventDispatcher(logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &EventDispatcher{
		logger:    logger,
		metrics:   m,
		timeout:   timeout,
		observers: make(map[string]Observer),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Register adds or replaces the observer with the same ID.
func (d *EventDispatcher) Register(obs Observer) {
	d.mu.Lock()
	d.observers[obs.ObserverID()] = obs
	n := len(d.observers)
	d.mu.Unlock()
	d.metrics.SetObservers(n)
	d.logger.Debug("observer registered", "observer", obs.ObserverID())
}

// Unregister removes the observer. Deliveries already queued still reach it.
func (d *EventDispatcher) Unregister(obs Observer) {
	d.mu.Lock()
	delete(d.observers, obs.ObserverID())
	n := len(d.observers)
	d.mu.Unlock()
	d.metrics.SetObservers(n)
	d.logger.Debug("observer unregistered", "observer", obs.ObserverID())
}

// Len returns the number of registered observers.
func (d *EventDispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Broadcast queues a mode-change event for the current observers and returns
// without waiting for delivery.
func (d *EventDispatcher) Broadcast(enabled bool) {
	d.Publish(newEvent(EventModeChanged, ModeChangedData{Enabled: enabled}))
}

// Publish queues an arbitrary event for the current observers.
func (d *EventDispatcher) Publish(event cloudevents.Event) {
	d.mu.RLock()
	snapshot := make([]Observer, 0, len(d.observers))
	for _, obs := range d.observers {
		snapshot = append(snapshot, obs)
	}
	d.mu.RUnlock()
	if len(snapshot) == 0 {
		return
	}

	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return
	}
	d.queue = append(d.queue, delivery{event: event, observers: snapshot})
	d.qmu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops the worker after the queued deliveries finish. If ctx expires
// first, the in-flight delivery is cancelled and Close returns without
// waiting for an observer that ignores cancellation.
func (d *EventDispatcher) Close(ctx context.Context) error {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return nil
	}
	d.closed = true
	d.qmu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *EventDispatcher) run() {
	defer close(d.done)
	for {
		d.qmu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.qmu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.qmu.Unlock()

		for _, obs := range next.observers {
			if d.ctx.Err() != nil {
				return
			}
			d.deliver(obs, next.event)
		}
	}
}

func (d *EventDispatcher) deliver(obs Observer, event cloudevents.Event) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordObserverFailure()
			d.logger.Error("observer panicked", "observer", obs.ObserverID(), "event", event.Type(), "panic", r)
		}
	}()
	if err := obs.OnEvent(ctx, event); err != nil {
		d.metrics.RecordObserverFailure()
		d.logger.Warn("observer failed", "observer", obs.ObserverID(), "event", event.Type(), "error", err)
	}
}

func newEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event.SetID(id.String())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}
