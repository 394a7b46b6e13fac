// Package store persists permission grants in SQLite.
//
// The store is the permission subsystem for vrmoded: a grant is a row, and
// Grant/Revoke are idempotent upserts and deletes. Every effective change is
// also appended to a history table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vrmoded/internal/component"
	"vrmoded/internal/grants"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store: closed")

// HistoryEntry is one effective grant or revoke.
type HistoryEntry struct {
	Kind    grants.Kind       `json:"kind"`
	Package string            `json:"package"`
	Scope   component.ScopeID `json:"scope"`
	Granted bool              `json:"granted"`
	At      time.Time         `json:"at"`
}

// Store is the SQLite grant store.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and runs migrations. The file
// is restricted to the owner.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
			db.Close()
			return nil, fmt.Errorf("restrict database permissions: %w", err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Grant records that pkg holds kind in scope. Granting twice is a no-op.
func (s *Store) Grant(kind grants.Kind, pkg string, scope component.ScopeID) error {
	return s.change(kind, pkg, scope, true)
}

// Revoke removes the grant. Revoking something not held is a no-op.
func (s *Store) Revoke(kind grants.Kind, pkg string, scope component.ScopeID) error {
	return s.change(kind, pkg, scope, false)
}

func (s *Store) change(kind grants.Kind, pkg string, scope component.ScopeID, grant bool) error {
	if pkg == "" {
		return fmt.Errorf("store: empty package for %s", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	now := s.now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	var res sql.Result
	if grant {
		res, err = tx.Exec(
			"INSERT OR IGNORE INTO grants (kind, package, scope, granted_at) VALUES (?, ?, ?, ?)",
			string(kind), pkg, int(scope), now.UnixNano(),
		)
	} else {
		res, err = tx.Exec(
			"DELETE FROM grants WHERE kind = ? AND package = ? AND scope = ?",
			string(kind), pkg, int(scope),
		)
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update grant %s for %s: %w", kind, pkg, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		if _, err := tx.Exec(
			"INSERT INTO grant_history (kind, package, scope, granted, at_ns) VALUES (?, ?, ?, ?, ?)",
			string(kind), pkg, int(scope), grant, now.UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record grant history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

// Grants lists the current grants of kind, ordered by scope and package.
func (s *Store) Grants(kind grants.Kind) ([]grants.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		"SELECT package, scope, granted_at FROM grants WHERE kind = ? ORDER BY scope, package",
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var out []grants.Grant
	for rows.Next() {
		var (
			g   = grants.Grant{Kind: kind}
			sc  int
			ats int64
		)
		if err := rows.Scan(&g.Package, &sc, &ats); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Scope = component.ScopeID(sc)
		g.GrantedAt = time.Unix(0, ats)
		out = append(out, g)
	}
	return out, rows.Err()
}

// All lists every current grant.
func (s *Store) All() ([]grants.Grant, error) {
	var out []grants.Grant
	for _, kind := range grants.ActiveKinds {
		gs, err := s.Grants(kind)
		if err != nil {
			return nil, err
		}
		out = append(out, gs...)
	}
	return out, nil
}

// History returns up to limit of the most recent grant changes, newest first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(
		"SELECT kind, package, scope, granted, at_ns FROM grant_history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e    HistoryEntry
			kind string
			sc   int
			at   int64
		)
		if err := rows.Scan(&kind, &e.Package, &sc, &e.Granted, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = grants.Kind(kind)
		e.Scope = component.ScopeID(sc)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
