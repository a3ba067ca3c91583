package bandit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Event is one reward observation in the append-only log.
type Event struct {
	TS     time.Time      `json:"ts"`
	Model  string         `json:"model"`
	Reward float64        `json:"reward"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// EventLog records reward observations durably.
type EventLog interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// JSONLLog appends events to a JSONL file, fsyncing each write so crashes
// lose at most the in-flight event.
type JSONLLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLLog opens (creating parents) the append-only event file.
func NewJSONLLog(path string) (*JSONLLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bandit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bandit log: %w", err)
	}
	return &JSONLLog{file: f}, nil
}

// Record appends one event line.
func (l *JSONLLog) Record(_ context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode bandit event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append bandit event: %w", err)
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *JSONLLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// MultiLog fans each event out to every sink. Record returns the first
// error but still writes to the remaining sinks.
type MultiLog []EventLog

// NewMultiLog returns a log writing to all non-nil sinks.
func NewMultiLog(sinks ...EventLog) MultiLog {
	out := make(MultiLog, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Record writes ev to every sink.
func (m MultiLog) Record(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink.
func (m MultiLog) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PGLog mirrors events into a Postgres table for offline analysis.
type PGLog struct {
	db *sql.DB
}

// NewPGLog connects to dsn and ensures the observations table exists.
func NewPGLog(ctx context.Context, dsn string) (*PGLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open bandit pg log: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping bandit pg log: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS bandit_observations (
		ts TIMESTAMPTZ NOT NULL,
		model_id TEXT NOT NULL,
		task_type TEXT,
		feature_hash TEXT,
		reward DOUBLE PRECISION NOT NULL,
		won BOOLEAN
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate bandit pg log: %w", err)
	}
	return &PGLog{db: db}, nil
}

// Record inserts one observation row. Meta keys task_type, feature_hash
// and won map to their columns.
func (l *PGLog) Record(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	taskType, _ := ev.Meta["task_type"].(string)
	featureHash, _ := ev.Meta["feature_hash"].(string)
	won, _ := ev.Meta["won"].(bool)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO bandit_observations (ts, model_id, task_type, feature_hash, reward, won)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.TS, ev.Model, taskType, featureHash, ev.Reward, won)
	if err != nil {
		return fmt.Errorf("insert bandit observation: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (l *PGLog) Close() error {
	return l.db.Close()
}
