package ipc

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// RateLimiter implements a token bucket rate limiter.
type RateLimiter struct {
	mu         sync.Mutex
	clock      clock.Clock
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rate operations per second with
// bursts of up to burst. It starts full.
func NewRateLimiter(clk clock.Clock, rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clock:      clk,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: clk.Now(),
	}
}

// Allow reports whether an operation may proceed now, consuming a token if
// so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// idleSince returns when the limiter last refilled.
func (r *RateLimiter) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefill
}

// PeerRateLimiter keeps one bucket per peer user so one noisy client
// cannot starve the others.
type PeerRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	limiters map[int]*RateLimiter
	rate     float64
	burst    int
	idle     time.Duration
}

// NewPeerRateLimiter creates a per-uid limiter. Buckets idle for longer
// than idle are forgotten.
func NewPeerRateLimiter(clk clock.Clock, rate float64, burst int, idle time.Duration) *PeerRateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &PeerRateLimiter{
		clock:    clk,
		limiters: make(map[int]*RateLimiter),
		rate:     rate,
		burst:    burst,
		idle:     idle,
	}
}

// Allow checks if an operation from uid is allowed.
func (p *PeerRateLimiter) Allow(uid int) bool {
	p.mu.Lock()
	p.prune()
	limiter, ok := p.limiters[uid]
	if !ok {
		limiter = NewRateLimiter(p.clock, p.rate, p.burst)
		p.limiters[uid] = limiter
	}
	p.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked peers.
func (p *PeerRateLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// prune drops idle buckets. Callers hold p.mu.
func (p *PeerRateLimiter) prune() {
	if p.idle <= 0 {
		return
	}
	now := p.clock.Now()
	for uid, l := range p.limiters {
		if now.Sub(l.idleSince()) > p.idle {
			delete(p.limiters, uid)
		}
	}
}
