package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrmoded/internal/grants"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "grants.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Grant(grants.OverlayExemption, "a", 0))
	gs, err := s.Grants(grants.OverlayExemption)
	require.NoError(t, err)
	assert.Len(t, gs, 1)
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Grant(grants.CoarseLocation, "a", 0), ErrClosed)
}

func TestGrantIsIdempotent(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Grant(grants.NotificationAccess, "com.example.vr", 0))
	require.NoError(t, s.Grant(grants.NotificationAccess, "com.example.vr", 0))
	require.NoError(t, s.Grant(grants.NotificationAccess, "com.example.vr", 10))

	gs, err := s.Grants(grants.NotificationAccess)
	require.NoError(t, err)
	require.Len(t, gs, 2)
	assert.Equal(t, "com.example.vr", gs[0].Package)
	assert.EqualValues(t, 0, gs[0].Scope)
	assert.EqualValues(t, 10, gs[1].Scope)
	assert.False(t, gs[0].GrantedAt.IsZero())

	hist, err := s.History(10)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "duplicate grant is not recorded")
}

func TestRevokeIsIdempotent(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Revoke(grants.OverlayExemption, "never.granted", 0))
	require.NoError(t, s.Grant(grants.OverlayExemption, "a", 0))
	require.NoError(t, s.Revoke(grants.OverlayExemption, "a", 0))
	require.NoError(t, s.Revoke(grants.OverlayExemption, "a", 0))

	gs, err := s.Grants(grants.OverlayExemption)
	require.NoError(t, err)
	assert.Empty(t, gs)

	hist, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Granted, "newest first")
	assert.True(t, hist[1].Granted)
}

func TestGrantRejectsEmptyPackage(t *testing.T) {
	s := openTest(t)
	assert.Error(t, s.Grant(grants.CoarseLocation, "", 0))
}

func TestAllGrants(t *testing.T) {
	s := openTest(t)
	for _, kind := range grants.ActiveKinds {
		require.NoError(t, s.Grant(kind, "a", 0))
	}

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Grant(grants.NotificationAccess, "a", 3))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	gs, err := s.Grants(grants.NotificationAccess)
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.EqualValues(t, 3, gs[0].Scope)
}

func TestHistoryUsesClock(t *testing.T) {
	s := openTest(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	require.NoError(t, s.Grant(grants.CoarseLocation, "a", 0))
	hist, err := s.History(1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].At.Equal(at))
}

func TestMigrations(t *testing.T) {
	s := openTest(t)

	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	require.NoError(t, MigrateDB(s.db), "migrating twice is a no-op")

	require.NoError(t, RollbackMigration(s.db))
	v, err = SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations)-1, v)

	require.NoError(t, MigrateDB(s.db))
	_, err = s.History(1)
	assert.NoError(t, err)
}

func TestStoreWithManager(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Grant(grants.NotificationAccess, "left.over", 2))
	require.NoError(t, s.Grant(grants.OverlayExemption, "crashed", 0))

	m := grants.NewManager(grants.Config{Permissions: s})
	assert.Len(t, m.AllowList(), 1)
	assert.Equal(t, 1, m.RevokeStale())

	gs, err := s.Grants(grants.OverlayExemption)
	require.NoError(t, err)
	assert.Empty(t, gs)
}
