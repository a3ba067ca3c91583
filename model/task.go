// Package model defines the task record and related wire shapes shared by
// the queue, store, and HTTP layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maxwellcavalli/macs/status"
)

// TaskType classifies the requested work.
type TaskType string

const (
	TypeCode     TaskType = "CODE"
	TypePlan     TaskType = "PLAN"
	TypeRefactor TaskType = "REFACTOR"
	TypeTest     TaskType = "TEST"
	TypeDoc      TaskType = "DOC"
)

// ParseTaskType validates a task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeCode:
		return TypeCode, nil
	case TypePlan:
		return TypePlan, nil
	case TypeRefactor:
		return TypeRefactor, nil
	case TypeTest:
		return TypeTest, nil
	case TypeDoc:
		return TypeDoc, nil
	}
	return "", fmt.Errorf("invalid task type %q", s)
}

// Strategy selects how candidates are run for one task.
type Strategy string

const (
	StrategySingle  Strategy = "single"
	StrategyDuel    Strategy = "duel"
	StrategyTOTBeam Strategy = "tot_beam"
	StrategyTiered  Strategy = "tiered_refine"
)

// RepoSpec points the task at repository context.
type RepoSpec struct {
	Path    string   `json:"path"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Constraints bound generation cost.
type Constraints struct {
	MaxTokens int    `json:"max_tokens,omitempty"`
	LatencyMS int    `json:"latency_ms,omitempty"`
	Style     string `json:"style,omitempty"`
}

// TaskInput is the user-facing request body of a task.
type TaskInput struct {
	Language    string      `json:"language"`
	Frameworks  []string    `json:"frameworks,omitempty"`
	Repo        RepoSpec    `json:"repo"`
	Constraints Constraints `json:"constraints"`
	Goal        string      `json:"goal"`
}

// OutputContract declares expected artifacts.
type OutputContract struct {
	ExpectedFiles []string `json:"expected_files,omitempty"`
	PackageName   string   `json:"package_name,omitempty"`
	TestTargets   []string `json:"test_targets,omitempty"`
}

// RoutingHints influence candidate selection.
type RoutingHints struct {
	Duel           bool     `json:"duel,omitempty"`
	DuelCandidates []string `json:"duel_candidates,omitempty"`
	Strategy       Strategy `json:"strategy,omitempty"`
	Tiers          []string `json:"tiers,omitempty"`
}

// ConversationTurn is one chat-history entry.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MemorySnippet is a workspace-memory excerpt attached to a task at submit
// time so prompts can reference earlier sessions.
type MemorySnippet struct {
	ID      string         `json:"id"`
	Goal    string         `json:"goal,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Model   string         `json:"model,omitempty"`
	Files   map[string]any `json:"files,omitempty"`
}

// Metadata carries per-session context that is not part of the contract.
type Metadata struct {
	SessionID        string             `json:"session_id,omitempty"`
	ModeHint         string             `json:"mode_hint,omitempty"`
	Conversation     []ConversationTurn `json:"conversation,omitempty"`
	MemoryContextIDs []string           `json:"memory_context_ids,omitempty"`
	MemoryContext    []MemorySnippet    `json:"memory_context,omitempty"`
}

// Task is the full submitted task record. Optional sections are pointers so
// their absence is distinguishable from zero values.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Type           TaskType        `json:"type"`
	Input          TaskInput       `json:"input"`
	OutputContract *OutputContract `json:"output_contract,omitempty"`
	RoutingHints   *RoutingHints   `json:"routing_hints,omitempty"`
	Metadata       *Metadata       `json:"metadata,omitempty"`
	TemplateVer    string          `json:"prompt_template_version,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

// Validate checks the fields the API requires before queueing.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("task id is required")
	}
	if _, err := ParseTaskType(string(t.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(t.Input.Goal) == "" {
		return fmt.Errorf("input.goal is required")
	}
	if strings.TrimSpace(t.Input.Language) == "" {
		return fmt.Errorf("input.language is required")
	}
	return nil
}

// ExpectedFiles returns the output contract file list, or nil.
func (t *Task) ExpectedFiles() []string {
	if t.OutputContract == nil {
		return nil
	}
	return t.OutputContract.ExpectedFiles
}

// SessionID returns the metadata session id, or empty.
func (t *Task) SessionID() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata.SessionID
}

// TaskStatus is the GET /v1/tasks/{id} response shape.
type TaskStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ModelUsed   string `json:"model_used,omitempty"`
	LatencyMS   int64  `json:"latency_ms,omitempty"`
	TemplateVer string `json:"template_ver,omitempty"`
}

// Normalize canonicalizes the status field in place.
func (s *TaskStatus) Normalize() {
	s.Status = status.Normalize(s.Status)
}

// Feedback is the POST /v1/feedback request body.
type Feedback struct {
	TaskID     uuid.UUID      `json:"task_id"`
	Model      string         `json:"model"`
	Success    bool           `json:"success"`
	LatencyMS  *int           `json:"latency_ms,omitempty"`
	HumanScore *int           `json:"human_score,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Artifacts  map[string]any `json:"artifacts,omitempty"`
}

// Validate bounds the human score to 0..5.
func (f *Feedback) Validate() error {
	if f.TaskID == uuid.Nil {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(f.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if f.HumanScore != nil && (*f.HumanScore < 0 || *f.HumanScore > 5) {
		return fmt.Errorf("human_score must be between 0 and 5")
	}
	return nil
}
