// Package store persists tasks, rewards, bandit aggregates and workspace
// memories in a relational database. SQLite is the default; a postgres://
// DSN switches to Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/maxwellcavalli/macs/status"
)

// Store wraps the SQL connection and knows which placeholder dialect the
// driver wants. Every tasks.status write passes through the status guard.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   *slog.Logger
	guard    *status.Guard
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithStatusGuard replaces the default fix-mode guard on status writes.
func WithStatusGuard(g *status.Guard) Option {
	return func(s *Store) { s.guard = g }
}

// Open connects to dsn and runs migrations. A postgres:// or postgresql://
// scheme selects the Postgres driver; anything else is treated as a SQLite
// file path.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.guard == nil {
		s.guard = status.NewGuard(status.GuardFix, s.logger)
	}

	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
		s.postgres = true
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("store ready", "driver", driver)
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			language TEXT,
			created_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			latency_ms BIGINT,
			model_used TEXT,
			template_ver TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			model TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT,
			human_score DOUBLE PRECISION,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bandit_stats (
			model TEXT NOT NULL,
			feature_hash TEXT NOT NULL,
			runs BIGINT NOT NULL DEFAULT 0,
			reward_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
			reward_sq_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL,
			PRIMARY KEY (model, feature_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_memories (
			id TEXT PRIMARY KEY,
			task_id TEXT,
			repo_path TEXT,
			language TEXT,
			mode TEXT,
			status TEXT,
			goal TEXT,
			model TEXT,
			summary TEXT,
			artifact_rel TEXT,
			zip_rel TEXT,
			files TEXT,
			session_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_task ON rewards(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_session ON workspace_memories(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_repo ON workspace_memories(repo_path)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
