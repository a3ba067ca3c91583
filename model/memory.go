package model

import "time"

// WorkspaceMemory is one persisted memory row: a trimmed summary of a task
// outcome, an uploaded bundle, or a bootstrap-ingested repository file.
type WorkspaceMemory struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id,omitempty"`
	RepoPath    string         `json:"repo_path,omitempty"`
	Language    string         `json:"language,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Status      string         `json:"status,omitempty"`
	Goal        string         `json:"goal,omitempty"`
	Model       string         `json:"model,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	ArtifactRel string         `json:"artifact_rel,omitempty"`
	ZipRel      string         `json:"zip_rel,omitempty"`
	Files       map[string]any `json:"files"`
	SessionID   string         `json:"session_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
