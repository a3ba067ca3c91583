// Package workspace confines all generated-file writes to a single root
// directory and manages the per-task directory layout beneath it:
// candidate sandboxes under .duel/<task>/<model>, merge trees under
// runs/<task>/merge, and upload staging under uploads/<session>.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox resolves relative paths against a fixed workspace root and
// refuses anything that escapes it.
type Sandbox struct {
	root string
}

// NewSandbox creates the root directory if needed and resolves symlinks so
// containment checks are performed against the real path.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root symlinks: %w", err)
	}
	return &Sandbox{root: real}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// ResolveSafePath resolves rel against the workspace root and reports
// whether the result stays inside it. Symlinked ancestors are resolved, so
// a link pointing outside the root is caught. Callers must refuse the write
// when ok is false.
func (s *Sandbox) ResolveSafePath(rel string) (string, bool) {
	target := filepath.Join(s.root, filepath.FromSlash(rel))
	target = filepath.Clean(target)

	// Resolve through the deepest existing ancestor so symlink escapes are
	// detected even for paths that do not exist yet.
	probe := target
	var pending []string
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		pending = append([]string{filepath.Base(probe)}, pending...)
		probe = parent
	}
	real, err := filepath.EvalSymlinks(probe)
	if err != nil {
		real = probe
	}
	resolved := filepath.Join(append([]string{real}, pending...)...)

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return target, false
	}
	return resolved, true
}

// PrepareDirectory erases and recreates a workspace-relative directory,
// giving the caller exclusive ownership of a clean subtree.
func (s *Sandbox) PrepareDirectory(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	abs, ok := s.ResolveSafePath(rel)
	if !ok {
		return "", fmt.Errorf("unsafe workspace path: %s", rel)
	}
	if err := os.RemoveAll(abs); err != nil {
		return "", fmt.Errorf("clear %s: %w", rel, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", rel, err)
	}
	return abs, nil
}

// SanitizeRelPath normalizes a model-emitted path into a safe relative
// form: separators unified, leading "./" stripped, "." and ".." segments
// dropped. An empty result falls back to output.txt.
func SanitizeRelPath(path string) string {
	path = strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	path = strings.TrimLeft(path, "./")
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "output.txt"
	}
	return strings.Join(kept, "/")
}
