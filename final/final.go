// Package final assembles the consolidated result payload for a task
// from its store row and published artifacts.
package final

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/status"
	"github.com/maxwellcavalli/macs/store"
)

// ErrNotFound means the task has neither a store row nor artifacts.
var ErrNotFound = errors.New("task result not found")

// preferredNames are tried in order when looking for the primary artifact.
var preferredNames = []string{"result.md", "output.md", "answer.md", "result.txt", "output.txt", "answer.txt", "response.md", "documentation.md", "plan.md"}

// Assembler merges store state and artifact files into one response.
type Assembler struct {
	store     *store.Store
	publisher *artifacts.Publisher
	logger    *slog.Logger
}

// NewAssembler wires the assembler.
func NewAssembler(st *store.Store, pub *artifacts.Publisher, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: st, publisher: pub, logger: logger}
}

// Assemble returns the final payload for a task. The store row provides
// identity and outcome fields; published artifacts overlay the content.
// When the row is missing but artifacts exist, a fallback payload built
// from the artifacts alone is returned with a note.
func (a *Assembler) Assemble(ctx context.Context, taskID string) (map[string]any, error) {
	payload := map[string]any{}
	haveRow := false

	row, err := a.store.GetTask(ctx, taskID)
	switch {
	case err == nil:
		haveRow = true
		payload["id"] = row.ID
		payload["status"] = status.Normalize(row.Status)
		if row.ModelUsed.Valid {
			payload["model_used"] = row.ModelUsed.String
		}
		if row.LatencyMS.Valid {
			payload["latency_ms"] = row.LatencyMS.Int64
		}
		if row.TemplateVer.Valid {
			payload["template_ver"] = row.TemplateVer.String
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	files, err := a.publisher.List(taskID)
	if err != nil {
		a.logger.Warn("artifact listing failed", "task", taskID, "error", err)
	}
	if len(files) == 0 {
		if !haveRow {
			return nil, ErrNotFound
		}
		return payload, nil
	}

	if !haveRow {
		payload["id"] = taskID
		payload["status"] = status.Done
		payload["note"] = "fallback-artifacts"
	}
	payload["artifacts"] = files

	if primary := pickPrimary(files); primary != "" {
		if data, err := a.publisher.ReadFile(taskID, primary); err == nil {
			payload["artifact"] = primary
			payload["content"] = string(data)
		}
	}

	// the canonical result.json written at task completion overlays the
	// row and primary-file view; its content is promoted to "result"
	if result, err := a.publisher.ReadResult(taskID); err == nil {
		for _, key := range []string{"model", "tool", "artifact", "compile_pass", "test_pass", "logs", "zip_url", "follow_up_steps"} {
			if v, ok := result[key]; ok {
				payload[key] = v
			}
		}
		if content, ok := result["content"].(string); ok && strings.TrimSpace(content) != "" {
			payload["content"] = content
			payload["result"] = content
		}
	}
	if _, ok := payload["result"]; !ok {
		if content, ok := payload["content"].(string); ok && content != "" {
			payload["result"] = content
		}
	}
	return payload, nil
}

// pickPrimary chooses the main artifact: a well-known name first, then
// any markdown or text file.
func pickPrimary(files []string) string {
	base := func(p string) string {
		if i := strings.LastIndex(p, "/"); i >= 0 {
			return p[i+1:]
		}
		return p
	}
	for _, want := range preferredNames {
		for _, f := range files {
			if base(f) == want {
				return f
			}
		}
	}
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, f := range sorted {
		lower := strings.ToLower(f)
		if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".txt") {
			return f
		}
	}
	return ""
}
