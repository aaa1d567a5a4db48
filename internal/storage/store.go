// Package storage persists plans, decisions, kill switch state and velocity
// spend records in sqlite. Writes from separate processes are serialized
// through a file lock.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS plans (
			plan_id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_plans_status_created ON plans(status, created_at DESC);",
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			target_token TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kill_switch_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS velocity_spend (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			amount_mon TEXT NOT NULL,
			target TEXT NOT NULL,
			method TEXT NOT NULL,
			spent_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_velocity_spend_at ON velocity_spend(spent_at);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withLock runs fn while holding the cross-process write lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// Plans, Decisions and Safety expose typed views over the same database.
func (s *Store) Plans() *PlanRepo         { return &PlanRepo{s: s} }
func (s *Store) Decisions() *DecisionRepo { return &DecisionRepo{s: s} }
func (s *Store) Safety() *SafetyRepo      { return &SafetyRepo{s: s} }
