package vrmode

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"vrmoded/internal/component"
)

type fakeRegistry struct {
	mu      sync.Mutex
	valid   map[component.ScopeID]map[component.Identity]bool
	trusted map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		valid:   make(map[component.ScopeID]map[component.Identity]bool),
		trusted: make(map[string]bool),
	}
}

func (r *fakeRegistry) add(id component.Identity, scope component.ScopeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid[scope] == nil {
		r.valid[scope] = make(map[component.Identity]bool)
	}
	r.valid[scope][id] = true
}

func (r *fakeRegistry) remove(id component.Identity, scope component.ScopeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.valid[scope], id)
}

func (r *fakeRegistry) IsValid(id component.Identity, scope component.ScopeID) component.ValidationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valid[scope][id] {
		return component.Valid
	}
	for s, ids := range r.valid {
		if s != scope && ids[id] {
			return component.WrongScope
		}
	}
	return component.NotInstalled
}

func (r *fakeRegistry) InstalledCandidates(scope component.ScopeID) []component.Identity {
	return r.EnabledCandidates(scope)
}

func (r *fakeRegistry) EnabledCandidates(scope component.ScopeID) []component.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []component.Identity
	for id := range r.valid[scope] {
		out = append(out, id)
	}
	return out
}

func (r *fakeRegistry) IsTrusted(pkg string, _ component.ScopeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trusted[pkg]
}

func (r *fakeRegistry) OnChange(func(component.ScopeID)) {}

type fakeConn struct {
	id component.Identity

	mu     sync.Mutex
	calls  []Call
	closed bool
	gone   chan struct{}
	once   sync.Once
}

func newFakeConn(id component.Identity) *fakeConn {
	return &fakeConn{id: id, gone: make(chan struct{})}
}

// hangUp simulates the listener closing its end.
func (c *fakeConn) hangUp() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
}

func (c *fakeConn) Done() <-chan struct{} { return c.gone }

func (c *fakeConn) Send(call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.gone) })
	return nil
}

func (c *fakeConn) sent() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type bindRequest struct {
	id    component.Identity
	scope component.ScopeID
	done  func(Conn, error)
}

// fakeBinder completes binds synchronously unless manual is set, in which
// case the test completes them through complete.
type fakeBinder struct {
	manual bool

	mu      sync.Mutex
	binds   []bindRequest
	conns   []*fakeConn
	waiting []bindRequest
}

func (b *fakeBinder) Bind(id component.Identity, scope component.ScopeID, done func(Conn, error)) {
	req := bindRequest{id: id, scope: scope, done: done}
	b.mu.Lock()
	b.binds = append(b.binds, req)
	if b.manual {
		b.waiting = append(b.waiting, req)
		b.mu.Unlock()
		return
	}
	conn := newFakeConn(id)
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	done(conn, nil)
}

// complete finishes the i'th outstanding manual bind.
func (b *fakeBinder) complete(i int, err error) *fakeConn {
	b.mu.Lock()
	req := b.waiting[i]
	var conn *fakeConn
	if err == nil {
		conn = newFakeConn(req.id)
		b.conns = append(b.conns, conn)
	}
	b.mu.Unlock()
	if conn == nil {
		req.done(nil, err)
		return nil
	}
	req.done(conn, nil)
	return conn
}

func (b *fakeBinder) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.binds)
}

func (b *fakeBinder) live() []*fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeConn
	for _, c := range b.conns {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

type grantCall struct {
	oldPkg, newPkg     string
	oldScope, newScope component.ScopeID
}

type fakeGrants struct {
	mu         sync.Mutex
	changes    []grantCall
	reconciles map[component.ScopeID]int
	active     string
	untrusted  map[string]bool
	rechecks   int
}

func (g *fakeGrants) OnActiveServiceChanged(oldPkg, newPkg string, oldScope, newScope component.ScopeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if oldPkg != newPkg || oldScope != newScope {
		g.changes = append(g.changes, grantCall{oldPkg, newPkg, oldScope, newScope})
	}
	g.active = newPkg
	return newPkg != "" && !g.untrusted[newPkg]
}

func (g *fakeGrants) RecheckTrust() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rechecks++
	return g.active != "" && !g.untrusted[g.active]
}

func (g *fakeGrants) setTrusted(pkg string, trusted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.untrusted == nil {
		g.untrusted = make(map[string]bool)
	}
	g.untrusted[pkg] = !trusted
}

func (g *fakeGrants) ReconcileEnabledSet(scope component.ScopeID, _ []component.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reconciles == nil {
		g.reconciles = make(map[component.ScopeID]int)
	}
	g.reconciles[scope]++
}

func (g *fakeGrants) calls() []grantCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]grantCall(nil), g.changes...)
}

type recordingObserver struct {
	id string

	mu     sync.Mutex
	events []bool
}

func (o *recordingObserver) ObserverID() string { return o.id }

func (o *recordingObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	enabled, err := EnabledFrom(event)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.events = append(o.events, enabled)
	o.mu.Unlock()
	return nil
}

func (o *recordingObserver) seen() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.events...)
}
