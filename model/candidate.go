package model

// CandidateLogs holds bounded tails of build tool output.
type CandidateLogs struct {
	StdoutTail string `json:"build_stdout_tail"`
	StderrTail string `json:"build_stderr_tail"`
}

// CandidateResult is the in-memory outcome of one (model, prompt, run)
// invocation. Failures are carried as values: a timeout or a model error
// produces a result with Success=false, never a panic.
type CandidateResult struct {
	Model       string        `json:"model"`
	Success     bool          `json:"success"`
	LatencyMS   int64         `json:"latency_ms"`
	SpeedRank   int           `json:"speed_rank,omitempty"`
	HumanScore  float64       `json:"human_score,omitempty"`
	CompilePass bool          `json:"compile_pass"`
	TestPass    bool          `json:"test_pass"`
	LintPass    *bool         `json:"lint_pass,omitempty"`
	SmokePass   *bool         `json:"smoke_pass,omitempty"`
	Tool        string        `json:"tool"`
	Logs        CandidateLogs `json:"logs"`

	// ArtifactPath is the absolute path of the primary generated file.
	ArtifactPath string `json:"artifact,omitempty"`
	// Content is the sanitized primary file body (or the full answer for
	// non-code modes).
	Content string `json:"content,omitempty"`
	// Files maps sanitized relative paths to generated file bodies.
	Files map[string]string `json:"-"`

	ZipURL            string   `json:"zip_url,omitempty"`
	ZipNotes          string   `json:"zip_notes,omitempty"`
	MissingComponents []string `json:"missing_components,omitempty"`
	FollowUpSteps     []string `json:"follow_up_steps,omitempty"`

	// SandboxRoot and MergeRoot are workspace-relative tree locations.
	SandboxRoot string `json:"sandbox_root,omitempty"`
	MergeRoot   string `json:"merge_root,omitempty"`

	// PendingFinal marks payloads that still need the final overlay.
	PendingFinal bool `json:"pending_final,omitempty"`

	// FirstTokenMS is the time to first streamed token.
	FirstTokenMS int64 `json:"first_token_ms,omitempty"`
	// PromptTokens / CompletionTokens come from the terminal stream chunk.
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// Reward maps the candidate outcome onto the bandit reward scale:
// 1.0 when tests pass, 0.5 when only compilation passes, else 0.
func (r *CandidateResult) Reward() float64 {
	switch {
	case r.TestPass:
		return 1.0
	case r.CompilePass:
		return 0.5
	default:
		return 0.0
	}
}
