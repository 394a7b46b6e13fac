// Package grants keeps the permission grants of the active VR listener and
// the notification-access allow-list in step with the coordinator.
//
// Every grant and revoke goes through a PermissionController and must be
// idempotent there. Failures are logged and counted but never undo the
// state change that triggered them.
package grants

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"vrmoded/internal/component"
	"vrmoded/internal/metrics"
)

// Kind is a permission that follows the active listener.
type Kind string

const (
	OverlayExemption   Kind = "overlay_exemption"
	NotificationAccess Kind = "notification_access"
	CoarseLocation     Kind = "coarse_location"
)

// ActiveKinds are granted to a trusted active listener.
var ActiveKinds = []Kind{OverlayExemption, NotificationAccess, CoarseLocation}

// Grant is one permission held by a package in a scope.
type Grant struct {
	Kind      Kind              `json:"kind"`
	Package   string            `json:"package"`
	Scope     component.ScopeID `json:"scope"`
	GrantedAt time.Time         `json:"granted_at,omitempty"`
}

// PermissionController applies grants. Both calls must be idempotent.
type PermissionController interface {
	Grant(kind Kind, pkg string, scope component.ScopeID) error
	Revoke(kind Kind, pkg string, scope component.ScopeID) error
}

// GrantLister is implemented by controllers that can enumerate what they
// hold, letting the manager pick up grants made before a restart.
type GrantLister interface {
	Grants(kind Kind) ([]Grant, error)
}

// TrustChecker decides whether a package may receive background grants.
type TrustChecker interface {
	IsTrusted(pkg string, scope component.ScopeID) bool
}

// Auditor records grant changes.
type Auditor interface {
	LogGrant(kind, pkg string, scope int, granted bool, err error)
}

// Config configures a Manager.
type Config struct {
	Permissions PermissionController
	Trust       TrustChecker
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Auditor     Auditor
}

type entry struct {
	pkg   string
	scope component.ScopeID
}

// Manager owns the active listener's grants and the notification-access
// allow-list.
type Manager struct {
	perms   PermissionController
	trust   TrustChecker
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   Auditor

	mu      sync.Mutex
	active  entry
	granted bool
	allowed map[entry]bool
}

// NewManager returns a Manager. If the controller implements GrantLister the
// allow-list is seeded from its notification-access grants.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		perms:   cfg.Permissions,
		trust:   cfg.Trust,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		audit:   cfg.Auditor,
		allowed: make(map[entry]bool),
	}
	if lister, ok := cfg.Permissions.(GrantLister); ok {
		existing, err := lister.Grants(NotificationAccess)
		if err != nil {
			m.logger.Warn("listing existing notification grants", "error", err)
		}
		for _, g := range existing {
			m.allowed[entry{g.Package, g.Scope}] = true
		}
	}
	return m
}

// RevokeStale drops overlay and location grants left behind by a previous
// run. It must be called before any listener is bound.
func (m *Manager) RevokeStale() int {
	lister, ok := m.perms.(GrantLister)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, kind := range []Kind{OverlayExemption, CoarseLocation} {
		existing, err := lister.Grants(kind)
		if err != nil {
			m.logger.Warn("listing stale grants", "kind", string(kind), "error", err)
			continue
		}
		for _, g := range existing {
			if m.revoke(kind, g.Package, g.Scope) {
				n++
			}
		}
	}
	return n
}

// OnActiveServiceChanged moves the active-listener grants from oldPkg to
// newPkg. Nothing happens when the package and scope are unchanged. Grants
// are only given to trusted packages. It reports whether newPkg holds the
// grants afterwards.
func (m *Manager) OnActiveServiceChanged(oldPkg, newPkg string, oldScope, newScope component.ScopeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := entry{newPkg, newScope}
	if oldPkg == newPkg && oldScope == newScope && m.active == next {
		return m.granted
	}

	m.revokeActiveLocked()
	m.active = next

	if newPkg == "" {
		return false
	}
	if !m.trustedLocked(next) {
		m.logger.Info("listener is not trusted; withholding grants", "package", newPkg, "scope", int(newScope))
		return false
	}
	m.grantActiveLocked()
	return true
}

// RecheckTrust applies a change in trust to the active listener: a package
// that lost trust gives up its grants and one that gained trust receives
// them. It reports whether the active listener holds the grants afterwards.
func (m *Manager) RecheckTrust() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.pkg == "" {
		return false
	}
	trusted := m.trustedLocked(m.active)
	switch {
	case m.granted && !trusted:
		m.logger.Info("active listener lost trust; revoking grants", "package", m.active.pkg, "scope", int(m.active.scope))
		m.revokeActiveLocked()
	case !m.granted && trusted:
		m.logger.Info("active listener became trusted; granting", "package", m.active.pkg, "scope", int(m.active.scope))
		m.grantActiveLocked()
	}
	return m.granted
}

func (m *Manager) trustedLocked(e entry) bool {
	return m.trust != nil && m.trust.IsTrusted(e.pkg, e.scope)
}

// grantActiveLocked gives every active kind to m.active.
func (m *Manager) grantActiveLocked() {
	for _, kind := range ActiveKinds {
		m.grant(kind, m.active.pkg, m.active.scope)
	}
	m.granted = true
}

// revokeActiveLocked takes the active kinds back from m.active. Notification
// access stays with allow-listed packages.
func (m *Manager) revokeActiveLocked() {
	if m.granted && m.active.pkg != "" {
		for _, kind := range ActiveKinds {
			if kind == NotificationAccess && m.allowed[m.active] {
				continue
			}
			m.revoke(kind, m.active.pkg, m.active.scope)
		}
	}
	m.granted = false
}

// ReconcileEnabledSet makes the notification-access allow-list equal to the
// packages of candidates under scope. Entries from other scopes are revoked.
// A package whose grant fails stays off the list and is retried next time.
func (m *Manager) ReconcileEnabledSet(scope component.ScopeID, candidates []component.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if id.Package != "" {
			want[id.Package] = true
		}
	}

	stale := make([]entry, 0)
	for e := range m.allowed {
		if e.scope != scope || !want[e.pkg] {
			stale = append(stale, e)
		}
	}
	sortEntries(stale)
	for _, e := range stale {
		delete(m.allowed, e)
		if m.granted && m.active == e {
			continue
		}
		m.revoke(NotificationAccess, e.pkg, e.scope)
	}

	added := make([]string, 0, len(want))
	for pkg := range want {
		if !m.allowed[entry{pkg, scope}] {
			added = append(added, pkg)
		}
	}
	sort.Strings(added)
	for _, pkg := range added {
		if m.grant(NotificationAccess, pkg, scope) {
			m.allowed[entry{pkg, scope}] = true
		}
	}

	if len(stale) > 0 || len(added) > 0 {
		m.logger.Info("notification allow-list reconciled", "scope", int(scope), "added", len(added), "removed", len(stale), "size", len(m.allowed))
	}
}

// AllowList returns the notification-access allow-list sorted by package.
func (m *Manager) AllowList() []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]entry, 0, len(m.allowed))
	for e := range m.allowed {
		entries = append(entries, e)
	}
	sortEntries(entries)
	out := make([]Grant, len(entries))
	for i, e := range entries {
		out[i] = Grant{Kind: NotificationAccess, Package: e.pkg, Scope: e.scope}
	}
	return out
}

// Active returns the package holding the active-listener grants, if any.
func (m *Manager) Active() (pkg string, scope component.ScopeID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.pkg, m.active.scope, m.granted
}

func (m *Manager) grant(kind Kind, pkg string, scope component.ScopeID) bool {
	err := m.perms.Grant(kind, pkg, scope)
	if m.audit != nil {
		m.audit.LogGrant(string(kind), pkg, int(scope), true, err)
	}
	if err != nil {
		m.metrics.RecordGrantFailure(string(kind), "grant")
		m.logger.Warn("grant failed", "kind", string(kind), "package", pkg, "scope", int(scope), "error", err)
		return false
	}
	m.logger.Debug("granted", "kind", string(kind), "package", pkg, "scope", int(scope))
	return true
}

func (m *Manager) revoke(kind Kind, pkg string, scope component.ScopeID) bool {
	err := m.perms.Revoke(kind, pkg, scope)
	if m.audit != nil {
		m.audit.LogGrant(string(kind), pkg, int(scope), false, err)
	}
	if err != nil {
		m.metrics.RecordGrantFailure(string(kind), "revoke")
		m.logger.Warn("revoke failed", "kind", string(kind), "package", pkg, "scope", int(scope), "error", err)
		return false
	}
	m.logger.Debug("revoked", "kind", string(kind), "package", pkg, "scope", int(scope))
	return true
}

func sortEntries(es []entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].scope != es[j].scope {
			return es[i].scope < es[j].scope
		}
		return es[i].pkg < es[j].pkg
	})
}
