package ipc

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	rl := NewRateLimiter(clk, 2, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "burst request %d", i)
	}
	assert.False(t, rl.Allow())

	clk.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	// refill never exceeds the burst
	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow())
}

func TestPeerRateLimiterIsolatesPeers(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1000, 0))
	pl := NewPeerRateLimiter(clk, 1, 1, time.Minute)

	assert.True(t, pl.Allow(1000))
	assert.False(t, pl.Allow(1000))
	assert.True(t, pl.Allow(1001))
	assert.Equal(t, 2, pl.Len())

	clk.Advance(2 * time.Minute)
	assert.True(t, pl.Allow(1000))
	assert.Equal(t, 1, pl.Len())
}

func TestServerRateLimitsMutations(t *testing.T) {
	cfg := DefaultServerConfig(socketPath(t))
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	srv, err := NewServer(cfg, NewDaemonHandler(DaemonHandlerConfig{Coordinator: newFakeCoordinator()}))
	require.NoError(t, err)

	setGate, err := Encode(&SetGateRequest{Value: true})
	require.NoError(t, err)
	client := &Client{Authenticated: true, Permission: PermReadWrite, Peer: &PeerCredentials{UID: 1000}}

	resp, err := srv.processMessage(client, NewMessage(MsgSetSleeping, 1, setGate))
	require.NoError(t, err)
	assert.Equal(t, MsgAck, resp.Header.Type)

	resp, err = srv.processMessage(client, NewMessage(MsgSetSleeping, 2, setGate))
	require.NoError(t, err)
	require.Equal(t, MsgError, resp.Header.Type)
	var e ErrorResponse
	require.NoError(t, Decode(resp.Payload, &e))
	assert.Equal(t, ErrRateLimited, e.Code)

	// reads are never limited
	resp, err = srv.processMessage(client, NewMessage(MsgStatusRequest, 3, nil))
	require.NoError(t, err)
	assert.Equal(t, MsgStatusResponse, resp.Header.Type)
}
