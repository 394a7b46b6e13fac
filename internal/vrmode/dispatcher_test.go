package vrmode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *EventDispatcher {
	t.Helper()
	d := NewEventDispatcher(nil, nil, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestBroadcastDoesNotWaitForObservers(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})
	d.Register(FuncObserver{ID: "slow", Fn: func(ctx context.Context, _ cloudevents.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})

	done := make(chan struct{})
	go func() {
		d.Broadcast(true)
		d.Broadcast(false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow observer")
	}
	close(release)
}

func TestFailingObserverDoesNotStopOthers(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register(FuncObserver{ID: "err", Fn: func(context.Context, cloudevents.Event) error {
		return errors.New("boom")
	}})
	d.Register(FuncObserver{ID: "panic", Fn: func(context.Context, cloudevents.Event) error {
		panic("observer bug")
	}})
	good := &recordingObserver{id: "good"}
	d.Register(good)

	d.Broadcast(true)
	d.Broadcast(false)

	assert.Eventually(t, func() bool { return len(good.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, good.seen())
}

func TestBroadcastUsesSnapshot(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})
	d.Register(FuncObserver{ID: "gate", Fn: func(context.Context, cloudevents.Event) error {
		<-release
		return nil
	}})
	late := &recordingObserver{id: "late"}

	d.Broadcast(true)
	d.Register(late)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Empty(t, late.seen())
}

func TestRegisterReplacesByID(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register(&recordingObserver{id: "a"})
	d.Register(&recordingObserver{id: "a"})
	d.Register(&recordingObserver{id: "b"})
	assert.Equal(t, 2, d.Len())

	d.Unregister(&recordingObserver{id: "a"})
	assert.Equal(t, 1, d.Len())
}

func TestConcurrentRegistration(t *testing.T) {
	d := newTestDispatcher(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		obs := &recordingObserver{id: string(rune('a' + i))}
		go func() {
			defer wg.Done()
			d.Register(obs)
			d.Unregister(obs)
		}()
		go func() {
			defer wg.Done()
			d.Broadcast(true)
		}()
	}
	wg.Wait()
	assert.Zero(t, d.Len())
}

func TestEventShape(t *testing.T) {
	event := newEvent(EventModeChanged, ModeChangedData{Enabled: true})

	assert.Equal(t, EventModeChanged, event.Type())
	assert.Equal(t, eventSource, event.Source())
	assert.NotEmpty(t, event.ID())
	require.NoError(t, event.Validate())

	enabled, err := EnabledFrom(event)
	require.NoError(t, err)
	assert.True(t, enabled)

	other := newEvent("io.vrmoded.other", nil)
	_, err = EnabledFrom(other)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewEventDispatcher(nil, nil, 0)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	d.Broadcast(true)
}

func TestCloseReturnsWhenObserverIgnoresCancel(t *testing.T) {
	d := NewEventDispatcher(nil, nil, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	d.Register(FuncObserver{ID: "stuck", Fn: func(context.Context, cloudevents.Event) error {
		close(started)
		<-release
		return nil
	}})
	d.Broadcast(true)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Close(ctx) }()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("close waited on an observer that ignores cancellation")
	}
}
