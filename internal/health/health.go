// Package health aggregates component probes for the vrmoded daemon and
// serves them, with Prometheus metrics, over HTTP.
package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"vrmoded/internal/vrmode"
)

// Status represents the health of a probe or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown is reported for probes that have not run yet.
	StatusUnknown Status = "unknown"
)

const defaultProbeTimeout = 5 * time.Second

// Result is the outcome of one probe run.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Duration  time.Duration  `json:"duration_ns"`
}

// ProbeFunc inspects one component.
type ProbeFunc func(ctx context.Context) Result

// Probe is a named ProbeFunc. A failing critical probe makes the daemon
// unhealthy; a failing optional one only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Func     ProbeFunc
}

// Checker runs probes and remembers their last results.
type Checker struct {
	clock clock.Clock

	mu      sync.RWMutex
	probes  []Probe
	results map[string]Result
	started time.Time
	ready   bool
}

// NewChecker returns an empty Checker. A nil clock means the wall clock.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Checker{
		clock:   clk,
		results: make(map[string]Result),
		started: clk.Now(),
	}
}

// Add registers p, replacing any probe with the same name.
func (c *Checker) Add(p Probe) {
	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = slices.DeleteFunc(c.probes, func(q Probe) bool { return q.Name == p.Name })
	c.probes = append(c.probes, p)
	c.results[p.Name] = Result{Name: p.Name, Status: StatusUnknown}
}

// SetReady marks the daemon as accepting work.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// Ready reports the value last passed to SetReady.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Report is the aggregated view served on /healthz.
type Report struct {
	Status    Status        `json:"status"`
	Ready     bool          `json:"ready"`
	Uptime    string        `json:"uptime"`
	Timestamp time.Time     `json:"timestamp"`
	Probes    []Result      `json:"probes,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Run executes every probe concurrently and returns a fresh report.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	probes := slices.Clone(c.probes)
	c.mu.RUnlock()

	start := c.clock.Now()
	results := make([]Result, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = c.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for _, r := range results {
		c.results[r.Name] = r
	}
	c.mu.Unlock()

	slices.SortFunc(results, func(a, b Result) int { return strings.Compare(a.Name, b.Name) })
	rep := c.report()
	rep.Probes = results
	rep.Elapsed = c.clock.Now().Sub(start)
	return rep
}

// Summary returns the status from the last run without probing again.
func (c *Checker) Summary() Report {
	return c.report()
}

func (c *Checker) report() Report {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Report{
		Status:    c.overall(),
		Ready:     c.ready,
		Uptime:    now.Sub(c.started).Truncate(time.Second).String(),
		Timestamp: now,
	}
}

// overall folds the stored results. Callers hold c.mu.
func (c *Checker) overall() Status {
	var degraded, unknown bool
	for _, p := range c.probes {
		switch c.results[p.Name].Status {
		case StatusUnhealthy:
			if p.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			unknown = unknown || p.Critical
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// run executes one probe under its timeout. A panic or an expired timeout
// becomes an unhealthy result; a timed-out probe finishes in the background.
func (c *Checker) run(ctx context.Context, p Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := c.clock.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "probe panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- p.Func(ctx)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "probe timed out", Error: ctx.Err().Error()}
	}
	res.Name = p.Name
	res.CheckedAt = start
	res.Duration = c.clock.Now().Sub(start)
	return res
}

// StoreProbe pings the grant database.
func StoreProbe(ping func(ctx context.Context) error) ProbeFunc {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "grant store unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "grant store ok"}
	}
}

// CoordinatorProbe reports the coordinator state. The coordinator has no
// failure mode of its own; the details are for operators.
func CoordinatorProbe(status func() vrmode.Status) ProbeFunc {
	return func(ctx context.Context) Result {
		st := status()
		return Result{
			Status:  StatusHealthy,
			Message: "coordinator running",
			Details: map[string]any{
				"enabled":    st.Enabled,
				"allowed":    st.Allowed,
				"gate":       st.Gate,
				"listener":   st.Listener.String(),
				"connection": st.Connection,
				"scope":      int(st.Scope),
			},
		}
	}
}

// RegistryProbe is degraded while the last manifest reload failed. The
// previously loaded manifests stay in effect.
func RegistryProbe(lastError func() error) ProbeFunc {
	return func(ctx context.Context) Result {
		if err := lastError(); err != nil {
			return Result{Status: StatusDegraded, Message: "manifest reload failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "manifests loaded"}
	}
}
