package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxwellcavalli/macs/workspace"
)

// Canonical per-task result files.
const (
	ResultFile   = "result.json"
	ResultMD     = "result.md"
	ZipNotesFile = "zip-notes.txt"
)

// Publisher writes finished task outputs under a shared artifacts root,
// one directory per task.
type Publisher struct {
	root string
}

// NewPublisher creates the artifacts root if needed.
func NewPublisher(root string) (*Publisher, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Publisher{root: root}, nil
}

// Root returns the artifacts root directory.
func (p *Publisher) Root() string {
	return p.root
}

// TaskDir returns the directory for one task's artifacts.
func (p *Publisher) TaskDir(taskID string) string {
	return filepath.Join(p.root, taskID)
}

// HasArtifacts reports whether the task already published anything.
func (p *Publisher) HasArtifacts(taskID string) bool {
	entries, err := os.ReadDir(p.TaskDir(taskID))
	return err == nil && len(entries) > 0
}

// Publish writes the extracted files under the task's artifact
// directory and returns the written rel paths.
func (p *Publisher) Publish(taskID string, files map[string]string) ([]string, error) {
	dir := p.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	var written []string
	for rel, content := range files {
		rel = workspace.SanitizeRelPath(rel)
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("publish %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("publish %s: %w", rel, err)
		}
		written = append(written, rel)
	}
	return written, nil
}

// WriteResult writes the canonical result.json for a task, a result.md
// mirror of its main text, and zip-notes.txt when the archive dropped
// content. Every terminal outcome lands here so readers never depend on
// the task row alone.
func (p *Publisher) WriteResult(taskID string, payload map[string]any, zipNotes []string) error {
	dir := p.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", taskID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ResultFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ResultFile, err)
	}
	if text := mainText(payload); text != "" {
		if err := os.WriteFile(filepath.Join(dir, ResultMD), []byte(strings.TrimRight(text, "\n")+"\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", ResultMD, err)
		}
	}
	if len(zipNotes) > 0 {
		body := strings.Join(zipNotes, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, ZipNotesFile), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", ZipNotesFile, err)
		}
	}
	return nil
}

// mainText picks the human-readable body out of a result payload.
func mainText(payload map[string]any) string {
	for _, key := range []string{"content", "text", "result"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// ReadResult loads and decodes a task's result.json, if present.
func (p *Publisher) ReadResult(taskID string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(p.TaskDir(taskID), ResultFile))
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode %s for %s: %w", ResultFile, taskID, err)
	}
	return payload, nil
}

// ReadFile returns the content of one published artifact.
func (p *Publisher) ReadFile(taskID, rel string) ([]byte, error) {
	rel = workspace.SanitizeRelPath(rel)
	return os.ReadFile(filepath.Join(p.TaskDir(taskID), filepath.FromSlash(rel)))
}

// List returns the rel paths of every published artifact for a task.
func (p *Publisher) List(taskID string) ([]string, error) {
	dir := p.TaskDir(taskID)
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", taskID, err)
	}
	return out, nil
}
