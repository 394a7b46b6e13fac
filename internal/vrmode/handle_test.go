package vrmode

import (
	"log/slog"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandle(b Binder) *ServiceHandle {
	return newServiceHandle(listenerX, scope0, b, clock.WallClock, slog.Default(), nil)
}

func TestHandleLifecycle(t *testing.T) {
	b := &fakeBinder{manual: true}
	h := newTestHandle(b)
	assert.Equal(t, Disconnected, h.State())

	h.Connect()
	assert.Equal(t, Connecting, h.State())
	h.Connect()
	assert.Equal(t, 1, b.bindCount(), "connect while connecting is ignored")

	h.SendEvent(Call{Kind: CallCallerChanged, Caller: callerA})
	conn := b.complete(0, nil)
	assert.Equal(t, Connected, h.State())

	h.SendEvent(Call{Kind: CallCallerChanged, Caller: callerB})
	assert.Eventually(t, func() bool { return len(conn.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, callerA, conn.sent()[0].Caller)
	assert.Equal(t, callerB, conn.sent()[1].Caller)

	h.Disconnect()
	h.Disconnect()
	assert.Equal(t, Disconnected, h.State())
	assert.True(t, conn.isClosed())
}

func TestHandleDisconnectDropsQueue(t *testing.T) {
	b := &fakeBinder{manual: true}
	h := newTestHandle(b)
	h.Connect()
	h.SendEvent(Call{Kind: CallModeChanged, Enabled: true})
	require.Equal(t, 1, h.Queued())

	h.Disconnect()
	assert.Zero(t, h.Queued())

	conn := b.complete(0, nil)
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.sent())
	assert.Equal(t, Disconnected, h.State())
}

func TestHandleNoticesRemoteClose(t *testing.T) {
	b := &fakeBinder{manual: true}
	h := newTestHandle(b)
	h.Connect()
	conn := b.complete(0, nil)
	require.Equal(t, Connected, h.State())

	conn.hangUp()
	assert.Eventually(t, func() bool { return h.State() == Disconnected }, time.Second, 5*time.Millisecond)

	h.SendEvent(Call{Kind: CallModeChanged, Enabled: true})
	assert.Equal(t, 1, h.Queued(), "calls wait for the next connection")

	h.Connect()
	require.Equal(t, 2, b.bindCount())
	next := b.complete(1, nil)
	assert.Eventually(t, func() bool { return len(next.sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleDisconnectIfNotMatching(t *testing.T) {
	h := newTestHandle(&fakeBinder{})
	h.Connect()
	require.Equal(t, Connected, h.State())

	assert.False(t, h.DisconnectIfNotMatching(listenerX, scope0))
	assert.Equal(t, Connected, h.State())

	assert.True(t, h.DisconnectIfNotMatching(listenerX, 4))
	assert.Equal(t, Disconnected, h.State())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "caller_changed", CallCallerChanged.String())
	assert.Equal(t, "mode_changed", CallModeChanged.String())
}
