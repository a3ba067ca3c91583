package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maxwellcavalli/macs/model"
)

// InsertMemory persists one workspace memory. An empty ID is assigned.
func (s *Store) InsertMemory(ctx context.Context, m *model.WorkspaceMemory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	files, err := json.Marshal(m.Files)
	if err != nil {
		return fmt.Errorf("encode memory files: %w", err)
	}
	err = s.exec(ctx,
		`INSERT INTO workspace_memories
			(id, task_id, repo_path, language, mode, status, goal, model, summary,
			 artifact_rel, zip_rel, files, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.RepoPath, m.Language, m.Mode, m.Status, m.Goal, m.Model,
		m.Summary, m.ArtifactRel, m.ZipRel, string(files), m.SessionID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// MemoryFilter narrows a memory search. Zero values match everything.
type MemoryFilter struct {
	RepoPath  string
	SessionID string
	Language  string
	Query     string
	Limit     int
}

// SearchMemories returns the newest memories matching the filter. The
// limit is clamped to 1..25.
func (s *Store) SearchMemories(ctx context.Context, f MemoryFilter) ([]model.WorkspaceMemory, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 5
	}
	if limit > 25 {
		limit = 25
	}

	query := `SELECT id, task_id, repo_path, language, mode, status, goal, model,
		summary, artifact_rel, zip_rel, files, session_id, created_at
		FROM workspace_memories WHERE 1=1`
	var args []any
	if f.RepoPath != "" {
		// clients send repo paths with or without leading "./" or a
		// trailing slash; match any variant by normalized substring
		query += ` AND lower(coalesce(repo_path, '')) LIKE ?`
		args = append(args, "%"+normalizeRepoPath(f.RepoPath)+"%")
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Language != "" {
		query += ` AND language = ?`
		args = append(args, f.Language)
	}
	if f.Query != "" {
		query += ` AND (goal LIKE ? OR summary LIKE ?)`
		pat := "%" + f.Query + "%"
		args = append(args, pat, pat)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []model.WorkspaceMemory
	for rows.Next() {
		var m model.WorkspaceMemory
		var files sql.NullString
		if err := rows.Scan(&m.ID, &m.TaskID, &m.RepoPath, &m.Language, &m.Mode, &m.Status,
			&m.Goal, &m.Model, &m.Summary, &m.ArtifactRel, &m.ZipRel, &files, &m.SessionID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if files.Valid && files.String != "" {
			_ = json.Unmarshal([]byte(files.String), &m.Files)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// normalizeRepoPath strips the decorations clients add to repo paths.
func normalizeRepoPath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.TrimPrefix(p, "./")
	return strings.Trim(p, "/")
}

// DeleteMemories removes every memory with the given mode and artifact
// path and returns how many rows went away.
func (s *Store) DeleteMemories(ctx context.Context, mode, artifactRel string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM workspace_memories WHERE mode = ? AND artifact_rel = ?`), mode, artifactRel)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (model.WorkspaceMemory, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, task_id, repo_path, language, mode, status, goal, model,
			summary, artifact_rel, zip_rel, files, session_id, created_at
		 FROM workspace_memories WHERE id = ?`), id)

	var m model.WorkspaceMemory
	var files sql.NullString
	err := row.Scan(&m.ID, &m.TaskID, &m.RepoPath, &m.Language, &m.Mode, &m.Status,
		&m.Goal, &m.Model, &m.Summary, &m.ArtifactRel, &m.ZipRel, &files, &m.SessionID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return model.WorkspaceMemory{}, ErrNotFound
	}
	if err != nil {
		return model.WorkspaceMemory{}, fmt.Errorf("get memory %s: %w", id, err)
	}
	if files.Valid && files.String != "" {
		_ = json.Unmarshal([]byte(files.String), &m.Files)
	}
	return m, nil
}
