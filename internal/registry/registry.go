// Package registry tracks the VR listener services installed on the system.
//
// Listeners are described by manifest files (TOML, YAML or JSON) in a single
// directory. The registry answers validity, candidate and trust queries for
// the coordinator, and notifies subscribers when a reload actually changes
// the listener set.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"golang.org/x/crypto/blake2b"

	"vrmoded/internal/component"
	"vrmoded/internal/metrics"
)

// DefaultDebounce coalesces bursts of manifest directory events.
const DefaultDebounce = 200 * time.Millisecond

// Config configures a Registry.
type Config struct {
	Dir      string
	Trusted  []string
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Registry is a component.Registry backed by a manifest directory.
type Registry struct {
	dir      string
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	parser   *parser

	mu          sync.RWMutex
	manifests   map[component.Identity]*Manifest
	trusted     map[string]bool
	fingerprint [blake2b.Size256]byte
	lastErr     error

	cbMu      sync.Mutex
	callbacks []func(component.ScopeID)
}

var _ component.Registry = (*Registry)(nil)

// New loads the manifest directory. A missing directory is treated as empty.
func New(cfg Config) (*Registry, error) {
	p, err := newParser()
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		dir:       cfg.Dir,
		debounce:  cfg.Debounce,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		parser:    p,
		manifests: make(map[component.Identity]*Manifest),
		trusted:   toSet(cfg.Trusted),
	}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func toSet(pkgs []string) map[string]bool {
	out := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		if p != "" {
			out[p] = true
		}
	}
	return out
}

// Dir returns the manifest directory.
func (r *Registry) Dir() string { return r.dir }

// IsValid implements component.Registry.
func (r *Registry) IsValid(id component.Identity, scope component.ScopeID) component.ValidationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok {
		return component.NotInstalled
	}
	return m.Validate(scope)
}

// InstalledCandidates implements component.Registry.
func (r *Registry) InstalledCandidates(scope component.ScopeID) []component.Identity {
	return r.collect(func(m *Manifest) bool { return m.InstalledIn(scope) })
}

// EnabledCandidates implements component.Registry.
func (r *Registry) EnabledCandidates(scope component.ScopeID) []component.Identity {
	return r.collect(func(m *Manifest) bool { return m.Validate(scope).OK() })
}

func (r *Registry) collect(keep func(*Manifest) bool) []component.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []component.Identity
	for id, m := range r.manifests {
		if keep(m) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// IsTrusted implements component.Registry. Trust is configured per package
// and applies to every scope.
func (r *Registry) IsTrusted(pkg string, _ component.ScopeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trusted[pkg]
}

// SetTrusted replaces the trusted package list. When the set changes, change
// callbacks run for every scope with an installed listener.
func (r *Registry) SetTrusted(pkgs []string) {
	next := toSet(pkgs)
	r.mu.Lock()
	if maps.Equal(r.trusted, next) {
		r.mu.Unlock()
		return
	}
	r.trusted = next
	scopes := affectedScopes(r.manifests, nil)
	r.mu.Unlock()
	r.logger.Info("trusted packages updated", "count", len(next))
	r.notify(scopes)
}

// OnChange implements component.Registry.
func (r *Registry) OnChange(fn func(scope component.ScopeID)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Endpoint returns the socket path of a listener.
func (r *Registry) Endpoint(id component.Identity) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok || m.Endpoint == "" {
		return "", false
	}
	return m.Endpoint, true
}

// Manifests returns copies of the loaded manifests sorted by identity.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().String() < out[j].Identity().String()
	})
	return out
}

// LastError returns the error of the most recent reload, if any.
func (r *Registry) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Reload rereads the manifest directory. Invalid manifests are skipped with
// a warning. It reports whether the listener set changed, in which case the
// change callbacks have been run for every affected scope.
func (r *Registry) Reload() (bool, error) {
	loaded, err := r.load()

	r.mu.Lock()
	r.lastErr = err
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	sum := fingerprint(loaded)
	if sum == r.fingerprint {
		r.mu.Unlock()
		return false, nil
	}
	scopes := affectedScopes(r.manifests, loaded)
	r.manifests = loaded
	r.fingerprint = sum
	r.mu.Unlock()

	r.metrics.RecordRegistryReload()
	r.logger.Info("listener registry reloaded", "listeners", len(loaded), "scopes", len(scopes))
	r.notify(scopes)
	return true, nil
}

func (r *Registry) load() (map[component.Identity]*Manifest, error) {
	out := make(map[component.Identity]*Manifest)
	if r.dir == "" {
		return out, nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read manifest directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		m, err := r.parser.parseFile(path)
		if err != nil {
			r.logger.Warn("skipping listener manifest", "path", path, "error", err)
			continue
		}
		id := m.Identity()
		if prev, dup := out[id]; dup {
			r.logger.Warn("duplicate listener manifest", "listener", id.String(), "kept", prev.Source, "ignored", path)
			continue
		}
		out[id] = m
	}
	return out, nil
}

func (r *Registry) notify(scopes []component.ScopeID) {
	r.cbMu.Lock()
	cbs := append(([]func(component.ScopeID))(nil), r.callbacks...)
	r.cbMu.Unlock()

	for _, scope := range scopes {
		for _, cb := range cbs {
			cb(scope)
		}
	}
}

// Run watches the manifest directory and reloads on change until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch manifest directory: %w", err)
	}

	// Pick up anything written between New and the watch starting.
	r.reloadLogged()

	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isManifestFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = r.clock.AfterFunc(r.debounce, r.reloadLogged)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("manifest watcher error", "error", err)
		}
	}
}

func (r *Registry) reloadLogged() {
	if _, err := r.Reload(); err != nil {
		r.logger.Error("reloading listener registry", "error", err)
	}
}

// fingerprint hashes the canonical form of a manifest set.
func fingerprint(ms map[component.Identity]*Manifest) [blake2b.Size256]byte {
	ids := make([]component.Identity, 0, len(ms))
	for id := range ms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	h, _ := blake2b.New256(nil)
	enc := json.NewEncoder(h)
	for _, id := range ids {
		m := *ms[id]
		m.InstalledScopes = sortedInts(m.InstalledScopes)
		m.EnabledScopes = sortedInts(m.EnabledScopes)
		_ = enc.Encode(&m)
	}
	var out [blake2b.Size256]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

// affectedScopes lists every scope mentioned by either manifest set.
func affectedScopes(before, after map[component.Identity]*Manifest) []component.ScopeID {
	seen := make(map[component.ScopeID]bool)
	for _, set := range []map[component.Identity]*Manifest{before, after} {
		for _, m := range set {
			for _, s := range m.InstalledScopes {
				seen[component.ScopeID(s)] = true
			}
		}
	}
	out := make([]component.ScopeID, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
