// Package vrmode coordinates the VR-mode listener lifecycle.
//
// A Coordinator owns the enabled flag, the single bound listener, the
// sleep/screen gate and any deferred request. All state lives behind one
// mutex; binding, permission grants and observer delivery are started from
// inside the lock but never waited on.
//
// Requests that cannot be applied immediately are kept as a single pending
// request. A newer request replaces an older one and the older caller is not
// told.
package vrmode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"vrmoded/internal/component"
	"vrmoded/internal/metrics"
)

// DefaultDebounceDelay is how long a disable request waits for a follow-up
// enable before the listener is unbound.
const DefaultDebounceDelay = 300 * time.Millisecond

// Errors returned by New.
var (
	ErrNoRegistry = errors.New("vrmode: registry is required")
	ErrNoBinder   = errors.New("vrmode: binder is required")
	ErrNoGrants   = errors.New("vrmode: access grants are required")
)

// GateFlags is the set of system conditions that must all hold for VR mode
// to be active.
type GateFlags uint8

const (
	GateAwake GateFlags = 1 << iota
	GateScreenOn

	gateAll = GateAwake | GateScreenOn
)

// String lists the set flags.
func (g GateFlags) String() string {
	var parts []string
	if g&GateAwake != 0 {
		parts = append(parts, "awake")
	}
	if g&GateScreenOn != 0 {
		parts = append(parts, "screen_on")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// AccessGrants applies the permission side effects of a binding change.
type AccessGrants interface {
	// OnActiveServiceChanged moves the dependent grants from oldPkg to newPkg
	// and reports whether newPkg holds them afterwards. An empty package
	// means no listener.
	OnActiveServiceChanged(oldPkg, newPkg string, oldScope, newScope component.ScopeID) bool
	// ReconcileEnabledSet brings the notification-access allow-list in line
	// with the enabled listeners of scope.
	ReconcileEnabledSet(scope component.ScopeID, candidates []component.Identity)
	// RecheckTrust applies a trust change to the active listener and reports
	// whether it holds the grants afterwards.
	RecheckTrust() bool
}

// Auditor records applied transitions in a durable trail.
type Auditor interface {
	AuditTransition(rec TransitionRecord)
}

// PendingState is a request that could not be applied when it was made.
type PendingState struct {
	Enabled bool               `json:"enabled"`
	Target  component.Identity `json:"target"`
	Scope   component.ScopeID  `json:"scope"`
	Caller  component.Identity `json:"caller"`
}

// Config configures a Coordinator.
type Config struct {
	Registry component.Registry
	Binder   Binder
	Grants   AccessGrants

	// Optional.
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Auditor         Auditor
	DebounceDelay   time.Duration
	LogCapacity     int
	ObserverTimeout time.Duration
	Scope           component.ScopeID

	// InitialGate defaults to awake with the screen on.
	InitialGate *GateFlags
}

// Coordinator is the VR-mode state machine.
type Coordinator struct {
	registry component.Registry
	binder   Binder
	grants   AccessGrants
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditor  Auditor
	delay    time.Duration

	dispatcher *EventDispatcher

	mu            sync.Mutex
	gate          GateFlags
	allowed       bool
	enabled       bool
	bound         *ServiceHandle
	scope         component.ScopeID
	caller        component.Identity
	grantsApplied bool
	pending       *PendingState
	debounce      clock.Timer
	debounceGen   uint64
	log           *TransitionLog
	closed        bool
}

// New returns a Coordinator with no listener bound.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, ErrNoRegistry
	}
	if cfg.Binder == nil {
		return nil, ErrNoBinder
	}
	if cfg.Grants == nil {
		return nil, ErrNoGrants
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultDebounceDelay
	}
	gate := gateAll
	if cfg.InitialGate != nil {
		gate = *cfg.InitialGate & gateAll
	}

	c := &Coordinator{
		registry:   cfg.Registry,
		binder:     cfg.Binder,
		grants:     cfg.Grants,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		auditor:    cfg.Auditor,
		delay:      cfg.DebounceDelay,
		dispatcher: NewEventDispatcher(cfg.Logger, cfg.Metrics, cfg.ObserverTimeout),
		gate:       gate,
		allowed:    gate == gateAll,
		scope:      cfg.Scope,
		log:        NewTransitionLog(cfg.LogCapacity),
	}
	c.metrics.SetAllowed(c.allowed)
	c.metrics.SetEnabled(false)
	return c, nil
}

// RequestMode asks for VR mode to be enabled with target bound for caller,
// or disabled. It never fails; the returned value reports whether target is
// a valid listener for scope. The request takes effect immediately, or is
// kept pending while the gate is closed or a disable is being debounced.
func (c *Coordinator) RequestMode(enabled bool, target component.Identity, scope component.ScopeID, caller component.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	req := PendingState{Enabled: enabled, Target: target, Scope: scope, Caller: caller}
	if !c.allowed {
		c.deferLocked(req, "gate")
		return c.validate(target, scope).OK()
	}

	if !enabled && c.bound != nil {
		c.deferLocked(req, "debounce")
		if c.debounce == nil {
			c.armDebounceLocked()
		}
		return c.validate(target, scope).OK()
	}

	c.cancelDebounceLocked()
	if c.pending != nil {
		c.logger.Debug("pending request superseded", "pending_enabled", c.pending.Enabled, "pending_target", c.pending.Target.String())
		c.pending = nil
	}
	return c.applyLocked(req)
}

// SetSleeping updates the awake gate.
func (c *Coordinator) SetSleeping(asleep bool) {
	c.setGate(GateAwake, !asleep)
}

// SetScreenOn updates the screen gate.
func (c *Coordinator) SetScreenOn(on bool) {
	c.setGate(GateScreenOn, on)
}

// IsEnabled reports whether VR mode is active.
func (c *Coordinator) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// IsCurrentService reports whether id is bound under scope.
func (c *Coordinator) IsCurrentService(id component.Identity, scope component.ScopeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound != nil && c.bound.Matches(id, scope)
}

// ValidateCandidate checks id against the registry.
func (c *Coordinator) ValidateCandidate(id component.Identity, scope component.ScopeID) component.ValidationResult {
	return c.validate(id, scope)
}

// RegisterObserver subscribes obs to mode changes.
func (c *Coordinator) RegisterObserver(obs Observer) {
	c.dispatcher.Register(obs)
}

// UnregisterObserver removes obs.
func (c *Coordinator) UnregisterObserver(obs Observer) {
	c.dispatcher.Unregister(obs)
}

// DumpDiagnostics returns the retained transitions, oldest first.
func (c *Coordinator) DumpDiagnostics() []TransitionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Dump()
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Enabled       bool               `json:"enabled"`
	Allowed       bool               `json:"allowed"`
	Gate          string             `json:"gate"`
	Listener      component.Identity `json:"listener"`
	Connection    string             `json:"connection"`
	QueuedCalls   int                `json:"queued_calls"`
	Scope         component.ScopeID  `json:"scope"`
	Caller        component.Identity `json:"caller"`
	GrantsApplied bool               `json:"grants_applied"`
	Pending       *PendingState      `json:"pending,omitempty"`
	DebounceArmed bool               `json:"debounce_armed"`
	Observers     int                `json:"observers"`
	Transitions   int                `json:"transitions"`
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Enabled:       c.enabled,
		Allowed:       c.allowed,
		Gate:          c.gate.String(),
		Connection:    Disconnected.String(),
		Scope:         c.scope,
		Caller:        c.caller,
		GrantsApplied: c.grantsApplied,
		DebounceArmed: c.debounce != nil,
		Observers:     c.dispatcher.Len(),
		Transitions:   c.log.Len(),
	}
	if c.bound != nil {
		st.Listener = c.bound.Identity()
		st.Connection = c.bound.State().String()
		st.QueuedCalls = c.bound.Queued()
	}
	if c.pending != nil {
		p := *c.pending
		st.Pending = &p
	}
	return st
}

// OnRegistryChanged reacts to a change in the installed or enabled listener
// set of scope. The allow-list is reconciled and a bound listener that is no
// longer valid is unbound.
func (c *Coordinator) OnRegistryChanged(scope component.ScopeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || scope != c.scope {
		return
	}
	c.grants.ReconcileEnabledSet(scope, c.registry.EnabledCandidates(scope))

	if c.bound == nil {
		return
	}
	if res := c.registry.IsValid(c.bound.Identity(), c.bound.Scope()); !res.OK() {
		c.logger.Warn("bound listener is no longer valid", "listener", c.bound.Identity().String(), "reason", res.String())
		c.cancelDebounceLocked()
		c.pending = nil
		c.applyLocked(PendingState{Scope: c.scope, Caller: c.caller})
		return
	}
	c.grantsApplied = c.grants.RecheckTrust()
}

// SwitchScope makes scope current. A listener bound under another scope is
// unbound along with any debounced disable, a pending request for another
// scope is dropped, and the allow-list is reconciled for the new scope.
func (c *Coordinator) SwitchScope(scope component.ScopeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || scope == c.scope {
		return
	}
	c.logger.Info("switching scope", "from", int(c.scope), "to", int(scope))

	if c.pending != nil && c.pending.Scope != scope {
		c.logger.Debug("dropping pending request for previous scope", "scope", int(c.pending.Scope))
		c.cancelDebounceLocked()
		c.pending = nil
	}
	if c.bound != nil && c.bound.Scope() != scope {
		// While bound with the gate open, pending can only be a debounced
		// disable, which the unbind satisfies.
		c.cancelDebounceLocked()
		c.pending = nil
		c.applyLocked(PendingState{Scope: scope})
	}
	c.scope = scope
	c.grants.ReconcileEnabledSet(scope, c.registry.EnabledCandidates(scope))
}

// Close unbinds any listener, revoking its grants, and stops event delivery.
// Later calls to the coordinator are no-ops.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancelDebounceLocked()
	c.pending = nil
	if c.bound != nil {
		c.applyLocked(PendingState{Scope: c.scope, Caller: c.caller})
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.dispatcher.Close(ctx); err != nil {
		return fmt.Errorf("vrmode: stopping dispatcher: %w", err)
	}
	return nil
}

func (c *Coordinator) validate(id component.Identity, scope component.ScopeID) component.ValidationResult {
	if id.IsZero() {
		return component.NotInstalled
	}
	return c.registry.IsValid(id, scope)
}

func (c *Coordinator) setGate(flag GateFlags, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if on {
		c.gate |= flag
	} else {
		c.gate &^= flag
	}
	was := c.allowed
	c.allowed = c.gate == gateAll
	if was == c.allowed {
		return
	}
	c.metrics.SetAllowed(c.allowed)
	c.logger.Info("gate changed", "gate", c.gate.String(), "allowed", c.allowed)

	if c.allowed {
		if p := c.pending; p != nil {
			c.pending = nil
			c.applyLocked(*p)
		}
		return
	}

	c.cancelDebounceLocked()
	if c.pending == nil && c.bound != nil {
		c.pending = &PendingState{
			Enabled: true,
			Target:  c.bound.Identity(),
			Scope:   c.bound.Scope(),
			Caller:  c.caller,
		}
	}
	c.applyLocked(PendingState{Scope: c.scope, Caller: c.caller})
}

func (c *Coordinator) deferLocked(req PendingState, cause string) {
	if c.pending != nil {
		c.logger.Debug("pending request superseded", "pending_enabled", c.pending.Enabled, "pending_target", c.pending.Target.String())
	}
	c.pending = &req
	c.metrics.RecordDeferred(cause)
	c.logger.Debug("request deferred", "cause", cause, "enabled", req.Enabled, "target", req.Target.String())
}

func (c *Coordinator) armDebounceLocked() {
	c.debounceGen++
	gen := c.debounceGen
	c.debounce = c.clock.AfterFunc(c.delay, func() {
		c.onDebounceFired(gen)
	})
}

func (c *Coordinator) cancelDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceGen++
}

func (c *Coordinator) onDebounceFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.debounceGen {
		return
	}
	c.debounce = nil
	if c.pending == nil || !c.allowed {
		return
	}
	p := *c.pending
	c.pending = nil
	c.applyLocked(p)
}

// applyLocked moves the coordinator to the requested state and reports
// whether req.Target was valid.
func (c *Coordinator) applyLocked(req PendingState) bool {
	result := c.validate(req.Target, req.Scope)
	valid := result.OK()
	if req.Enabled && !valid {
		c.metrics.RecordInvalidRequest(result.String())
		c.logger.Warn("requested listener rejected", "listener", req.Target.String(), "scope", int(req.Scope), "reason", result.String())
	}

	goingActive := req.Enabled && valid
	if !goingActive && c.bound == nil {
		return valid
	}

	enabledChanged := c.enabled != goingActive
	if enabledChanged {
		c.enabled = goingActive
		c.metrics.SetEnabled(goingActive)
		c.dispatcher.Broadcast(goingActive)
	}

	var oldPkg string
	oldScope := c.scope
	if c.bound != nil {
		oldPkg = c.bound.Identity().Package
		oldScope = c.bound.Scope()
	}

	bindingChanged := false
	newBinding := false
	switch {
	case !goingActive:
		c.bound.Disconnect()
		c.bound = nil
		bindingChanged = true
	case c.bound == nil || c.bound.DisconnectIfNotMatching(req.Target, req.Scope):
		c.bound = newServiceHandle(req.Target, req.Scope, c.binder, c.clock, c.logger, c.metrics)
		c.bound.Connect()
		bindingChanged = true
		newBinding = true
	case c.bound.State() == Disconnected:
		c.logger.Info("reconnecting listener after failed bind", "listener", req.Target.String())
		c.bound.Connect()
	}

	callerChanged := c.caller != req.Caller || c.scope != req.Scope
	c.caller = req.Caller
	c.scope = req.Scope
	if c.bound != nil {
		if newBinding {
			c.bound.SendEvent(Call{Kind: CallModeChanged, Enabled: true})
		}
		if newBinding || callerChanged {
			c.bound.SendEvent(Call{Kind: CallCallerChanged, Caller: req.Caller})
		}
	}

	var newPkg string
	newScope := req.Scope
	if c.bound != nil {
		newPkg = c.bound.Identity().Package
		newScope = c.bound.Scope()
	}
	c.grantsApplied = c.grants.OnActiveServiceChanged(oldPkg, newPkg, oldScope, newScope)

	if !enabledChanged && !bindingChanged && !callerChanged {
		return valid
	}

	rec := TransitionRecord{
		Enabled:       c.enabled,
		Scope:         c.scope,
		Caller:        c.caller,
		Timestamp:     c.clock.Now(),
		GrantsApplied: c.grantsApplied,
	}
	if c.bound != nil {
		rec.Bound = c.bound.Identity()
	}
	rec = c.log.Append(rec)
	c.metrics.RecordTransition(rec.Enabled)
	if c.auditor != nil {
		c.auditor.AuditTransition(rec)
	}
	c.logger.Info("vr mode transition",
		"enabled", rec.Enabled,
		"listener", rec.Bound.String(),
		"scope", int(rec.Scope),
		"caller", rec.Caller.String(),
		"grants", rec.GrantsApplied,
	)
	return valid
}
