package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrmoded/internal/component"
)

const tomlManifest = `
package = "com.example.vr"
class = ".Listener"
permission = "vrmoded.permission.BIND_VR_LISTENER"
installed_scopes = [0, 10]
enabled_scopes = [0]
endpoint = "/run/vr/example.sock"
`

const yamlManifest = `
package: com.other.vr
class: com.other.vr.Service
permission: vrmoded.permission.BIND_VR_LISTENER
installed_scopes: [0]
enabled_scopes: [0]
`

const jsonManifest = `{
  "package": "com.noperm.vr",
  "class": "com.noperm.vr.Listener",
  "installed_scopes": [0],
  "enabled_scopes": [0]
}`

var (
	exampleID = component.Identity{Package: "com.example.vr", Class: "com.example.vr.Listener"}
	otherID   = component.Identity{Package: "com.other.vr", Class: "com.other.vr.Service"}
	nopermID  = component.Identity{Package: "com.noperm.vr", Class: "com.noperm.vr.Listener"}
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newTestRegistry(t *testing.T, dir string, trusted ...string) *Registry {
	t.Helper()
	r, err := New(Config{Dir: dir, Trusted: trusted, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	return r
}

func populated(t *testing.T) (*Registry, string) {
	dir := t.TempDir()
	writeFile(t, dir, "example.toml", tomlManifest)
	writeFile(t, dir, "other.yaml", yamlManifest)
	writeFile(t, dir, "noperm.json", jsonManifest)
	return newTestRegistry(t, dir, "com.example.vr"), dir
}

func TestIsValid(t *testing.T) {
	r, _ := populated(t)

	tests := []struct {
		name  string
		id    component.Identity
		scope component.ScopeID
		want  component.ValidationResult
	}{
		{"valid toml", exampleID, 0, component.Valid},
		{"valid yaml", otherID, 0, component.Valid},
		{"installed but not enabled", exampleID, 10, component.NotPermitted},
		{"not installed for scope", otherID, 10, component.WrongScope},
		{"missing permission", nopermID, 0, component.NotPermitted},
		{"unknown", component.Identity{Package: "x", Class: "y"}, 0, component.NotInstalled},
		{"class mismatch", component.Identity{Package: "com.example.vr", Class: "Other"}, 0, component.NotInstalled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsValid(tt.id, tt.scope))
		})
	}
}

func TestCandidates(t *testing.T) {
	r, _ := populated(t)

	assert.Equal(t, []component.Identity{exampleID, nopermID, otherID}, r.InstalledCandidates(0))
	assert.Equal(t, []component.Identity{exampleID, otherID}, r.EnabledCandidates(0))
	assert.Equal(t, []component.Identity{exampleID}, r.InstalledCandidates(10))
	assert.Empty(t, r.EnabledCandidates(10))
}

func TestTrustAndEndpoint(t *testing.T) {
	r, _ := populated(t)

	assert.True(t, r.IsTrusted("com.example.vr", 0))
	assert.False(t, r.IsTrusted("com.other.vr", 0))

	r.SetTrusted([]string{"com.other.vr"})
	assert.False(t, r.IsTrusted("com.example.vr", 0))
	assert.True(t, r.IsTrusted("com.other.vr", 0))

	ep, ok := r.Endpoint(exampleID)
	assert.True(t, ok)
	assert.Equal(t, "/run/vr/example.sock", ep)
	_, ok = r.Endpoint(otherID)
	assert.False(t, ok)
}

func TestInvalidManifestsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.toml", tomlManifest)
	writeFile(t, dir, "extra-field.json", `{"package":"a.b","class":"C","installed_scopes":[0],"surprise":true}`)
	writeFile(t, dir, "bad-package.yaml", "package: \"9bad\"\nclass: C\ninstalled_scopes: [0]\n")
	writeFile(t, dir, "broken.toml", "package = ")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, ".hidden.toml", tomlManifest)

	r := newTestRegistry(t, dir)
	ms := r.Manifests()
	require.Len(t, ms, 1)
	assert.Equal(t, exampleID, ms[0].Identity())
	assert.Equal(t, filepath.Join(dir, "good.toml"), ms[0].Source)
}

func TestParseErrorsWrapSentinel(t *testing.T) {
	p, err := newParser()
	require.NoError(t, err)
	dir := t.TempDir()
	writeFile(t, dir, "m.json", `{"class":"C","installed_scopes":[0]}`)

	_, err = p.parseFile(filepath.Join(dir, "m.json"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestMissingDirectoryIsEmpty(t *testing.T) {
	r := newTestRegistry(t, filepath.Join(t.TempDir(), "absent"))
	assert.Empty(t, r.Manifests())
	assert.NoError(t, r.LastError())
}

func TestReloadNotifiesOnlyOnChange(t *testing.T) {
	r, dir := populated(t)

	var mu sync.Mutex
	var got []component.ScopeID
	r.OnChange(func(scope component.ScopeID) {
		mu.Lock()
		got = append(got, scope)
		mu.Unlock()
	})

	changed, err := r.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, got)

	writeFile(t, dir, "other.yaml", yamlManifest+"endpoint: /tmp/other.sock\n")
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []component.ScopeID{0, 10}, got)
}

func TestSetTrustedNotifiesOnChange(t *testing.T) {
	r, _ := populated(t)

	var mu sync.Mutex
	var got []component.ScopeID
	r.OnChange(func(scope component.ScopeID) {
		mu.Lock()
		got = append(got, scope)
		mu.Unlock()
	})

	r.SetTrusted([]string{"com.example.vr"})
	assert.Empty(t, got, "same set")

	r.SetTrusted(nil)
	assert.Equal(t, []component.ScopeID{0, 10}, got)
	assert.False(t, r.IsTrusted("com.example.vr", 0))
}

func TestReloadScopeOrderIgnored(t *testing.T) {
	r, dir := populated(t)
	writeFile(t, dir, "example.toml", `
package = "com.example.vr"
class = ".Listener"
permission = "vrmoded.permission.BIND_VR_LISTENER"
installed_scopes = [10, 0]
enabled_scopes = [0]
endpoint = "/run/vr/example.sock"
`)
	changed, err := r.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRunPicksUpNewManifest(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)

	changes := make(chan component.ScopeID, 8)
	r.OnChange(func(scope component.ScopeID) { changes <- scope })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	// Give the watcher a moment to start.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "example.toml", tomlManifest)

	assert.Eventually(t, func() bool {
		return r.IsValid(exampleID, 0) == component.Valid
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case scope := <-changes:
		assert.Equal(t, component.ScopeID(0), scope)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	require.NoError(t, os.Remove(filepath.Join(dir, "example.toml")))
	assert.Eventually(t, func() bool {
		return r.IsValid(exampleID, 0) == component.NotInstalled
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
