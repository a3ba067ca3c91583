package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// TaskRow is the persisted view of a task.
type TaskRow struct {
	ID          string
	Type        string
	Language    string
	CreatedAt   time.Time
	Status      string
	LatencyMS   sql.NullInt64
	ModelUsed   sql.NullString
	TemplateVer sql.NullString
}

// InsertTask records a freshly queued task. The status guard vets the
// status value before it reaches the row.
func (s *Store) InsertTask(ctx context.Context, id, taskType, language, taskStatus, templateVer string, createdAt time.Time) error {
	taskStatus, err := s.guard.Apply(taskStatus)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", id, err)
	}
	err = s.exec(ctx,
		`INSERT INTO tasks (id, type, language, created_at, status, template_ver) VALUES (?, ?, ?, ?, ?, ?)`,
		id, taskType, language, createdAt.UTC(), taskStatus, templateVer)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", id, err)
	}
	return nil
}

// UpdateTaskStatus moves a task to a new status, optionally recording the
// winning model and latency. The status guard vets the new status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, taskStatus string, latencyMS int64, modelUsed string) error {
	taskStatus, err := s.guard.Apply(taskStatus)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	err = s.exec(ctx,
		`UPDATE tasks SET status = ?, latency_ms = ?, model_used = ? WHERE id = ?`,
		taskStatus, latencyMS, nullable(modelUsed), id)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// GetTask fetches one task row.
func (s *Store) GetTask(ctx context.Context, id string) (TaskRow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, type, language, created_at, status, latency_ms, model_used, template_ver FROM tasks WHERE id = ?`), id)
	var t TaskRow
	var lang sql.NullString
	err := row.Scan(&t.ID, &t.Type, &lang, &t.CreatedAt, &t.Status, &t.LatencyMS, &t.ModelUsed, &t.TemplateVer)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRow{}, ErrNotFound
	}
	if err != nil {
		return TaskRow{}, fmt.Errorf("get task %s: %w", id, err)
	}
	t.Language = lang.String
	return t, nil
}

// RecentTasks lists the newest tasks, for the audit endpoint.
func (s *Store) RecentTasks(ctx context.Context, limit int) ([]TaskRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, type, language, created_at, status, latency_ms, model_used, template_ver
		 FROM tasks ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var lang sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &lang, &t.CreatedAt, &t.Status, &t.LatencyMS, &t.ModelUsed, &t.TemplateVer); err != nil {
			return nil, err
		}
		t.Language = lang.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
