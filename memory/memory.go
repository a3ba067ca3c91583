// Package memory captures compact workspace memories from finished tasks
// and uploaded projects so later runs can recall prior context.
package memory

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
)

// Capture limits keep memories small enough to inline into prompts.
const (
	maxFiles        = 8
	maxFileBytes    = 4096
	maxSummaryBytes = 4096
	snippetBytes    = 1024
)

var extLanguages = map[string]string{
	".java":  "java",
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rb":    "ruby",
	".rs":    "rust",
	".kt":    "kotlin",
	".c":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".cs":    "csharp",
	".sql":   "sql",
	".sh":    "shell",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".xml":   "xml",
	".html":  "html",
	".css":   "css",
	".proto": "protobuf",
}

// SniffLanguage picks the dominant source language from file paths.
func SniffLanguage(paths []string) string {
	counts := map[string]int{}
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		lang, ok := extLanguages[ext]
		if !ok {
			continue
		}
		// markup and config files only win when nothing else is present
		counts[lang]++
	}
	best, bestCount := "", 0
	secondary := map[string]bool{"markdown": true, "yaml": true, "json": true, "xml": true, "html": true, "css": true}
	for lang, n := range counts {
		primaryBoost := 0
		if !secondary[lang] {
			primaryBoost = 1000
		}
		if n+primaryBoost > bestCount {
			best, bestCount = lang, n+primaryBoost
		}
	}
	return best
}

// truncate clips s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SelectFiles chooses up to maxFiles entries from the produced files,
// smallest-path-first for determinism, each clipped to maxFileBytes.
func SelectFiles(files map[string]string) map[string]any {
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > maxFiles {
		paths = paths[:maxFiles]
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		out[p] = truncate(files[p], maxFileBytes)
	}
	return out
}

// Snippets clips each uploaded entry to a short preview, for ingest
// memories.
func Snippets(entries []workspace.UploadEntry) map[string]any {
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		files[e.RelPath] = truncate(string(e.Content), snippetBytes)
	}
	return SelectFiles(files)
}

// Recorder persists memories through the store.
type Recorder struct {
	store   *store.Store
	logger  *slog.Logger
	enabled bool
}

// NewRecorder wires a Recorder. A disabled recorder drops everything.
func NewRecorder(st *store.Store, enabled bool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger, enabled: enabled}
}

// CaptureTask records a memory for a finished task. Failures are logged,
// never propagated: memory is best-effort.
func (r *Recorder) CaptureTask(ctx context.Context, task *model.Task, mode string, result *model.CandidateResult, status, artifactRel, zipRel string) {
	if !r.enabled || r.store == nil {
		return
	}
	paths := make([]string, 0, len(result.Files))
	for p := range result.Files {
		paths = append(paths, p)
	}
	lang := task.Input.Language
	if lang == "" {
		lang = SniffLanguage(paths)
	}

	m := &model.WorkspaceMemory{
		TaskID:      task.ID.String(),
		RepoPath:    task.Input.Repo.Path,
		Language:    lang,
		Mode:        mode,
		Status:      status,
		Goal:        truncate(task.Input.Goal, maxSummaryBytes),
		Model:       result.Model,
		Summary:     truncate(result.Content, maxSummaryBytes),
		ArtifactRel: artifactRel,
		ZipRel:      zipRel,
		Files:       SelectFiles(result.Files),
		SessionID:   task.SessionID(),
	}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		r.logger.Warn("memory capture failed", "task", m.TaskID, "error", err)
		return
	}
	r.logger.Debug("memory captured", "task", m.TaskID, "memory", m.ID)
}

// BootstrapModel tags memories written by repository ingestion.
const BootstrapModel = "bootstrap-ingest"

// UpsertBootstrap records one ingested repository file as a bootstrap
// memory, replacing any earlier bootstrap row for the same file so
// re-ingesting a repo never piles up duplicates.
func (r *Recorder) UpsertBootstrap(ctx context.Context, sessionID, repoPath, relPath string, content []byte) (string, error) {
	if !r.enabled || r.store == nil {
		return "", nil
	}
	cleaned := strings.TrimPrefix(strings.ReplaceAll(relPath, "\\", "/"), "./")
	if _, err := r.store.DeleteMemories(ctx, "bootstrap", cleaned); err != nil {
		return "", err
	}
	snippet := truncate(string(content), snippetBytes)
	m := &model.WorkspaceMemory{
		RepoPath:    repoPath,
		Language:    SniffLanguage([]string{cleaned}),
		Mode:        "bootstrap",
		Status:      "done",
		Goal:        "Bootstrap file: " + cleaned,
		Model:       BootstrapModel,
		Summary:     truncate(string(content), maxSummaryBytes),
		ArtifactRel: cleaned,
		Files: map[string]any{
			"artifact": cleaned,
			"files":    map[string]any{cleaned: snippet},
		},
		SessionID: sessionID,
	}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// CaptureUpload records a memory for an ingested project upload.
func (r *Recorder) CaptureUpload(ctx context.Context, sessionID, repoPath string, entries []workspace.UploadEntry) (string, error) {
	if !r.enabled || r.store == nil {
		return "", nil
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.RelPath)
	}
	m := &model.WorkspaceMemory{
		RepoPath:  repoPath,
		Language:  SniffLanguage(paths),
		Mode:      "ingest",
		Status:    "done",
		Goal:      "project upload",
		Summary:   truncate(strings.Join(paths, "\n"), maxSummaryBytes),
		Files:     Snippets(entries),
		SessionID: sessionID,
	}
	if err := r.store.InsertMemory(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// Search proxies a clamped memory search through the store.
func (r *Recorder) Search(ctx context.Context, f store.MemoryFilter) ([]model.WorkspaceMemory, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.SearchMemories(ctx, f)
}

// Lookup fetches specific memories by id, skipping missing ones.
func (r *Recorder) Lookup(ctx context.Context, ids []string) []model.WorkspaceMemory {
	if r.store == nil {
		return nil
	}
	var out []model.WorkspaceMemory
	for _, id := range ids {
		m, err := r.store.GetMemory(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
