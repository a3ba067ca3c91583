package queue

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/maxwellcavalli/macs/model"
)

// Context assembly caps keep prompts inside the model context window.
const (
	promptMaxFileBytes  = 6144
	promptMaxTotalBytes = 48 * 1024
	promptMaxFiles      = 24
)

// repoContext is the excerpt of the merge tree inlined into a prompt.
type repoContext struct {
	Files []repoFile
}

type repoFile struct {
	Rel     string
	Content string
}

// matchesAny reports whether rel matches any of the doublestar patterns.
func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// collectRepoContext reads merge-tree files selected by the repo spec's
// include globs (everything when empty) minus its exclude globs, clipped
// to the prompt budget.
func collectRepoContext(root string, spec model.RepoSpec) repoContext {
	var rc repoContext
	if root == "" {
		return rc
	}
	var rels []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if len(spec.Include) > 0 && !matchesAny(rel, spec.Include) {
			return nil
		}
		if matchesAny(rel, spec.Exclude) {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	sort.Strings(rels)

	total := 0
	for _, rel := range rels {
		if len(rc.Files) >= promptMaxFiles || total >= promptMaxTotalBytes {
			break
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > promptMaxFileBytes {
			content = content[:promptMaxFileBytes] + "\n... (truncated)"
		}
		total += len(content)
		rc.Files = append(rc.Files, repoFile{Rel: rel, Content: content})
	}
	return rc
}

// BuildPrompt renders the full prompt for a task in the given mode,
// pulling repo context from the merge tree at mergeRoot.
func BuildPrompt(task *model.Task, mode, mergeRoot string) string {
	var b strings.Builder

	switch mode {
	case ModeChat:
		b.WriteString("You are a helpful engineering assistant. Answer concisely in Markdown.\n\n")
	case ModeDocs:
		b.WriteString("You are a technical writer. Produce clear Markdown documentation for the request below.\n\n")
	case ModePlanner:
		b.WriteString("You are a software planning assistant. Produce a numbered implementation plan in Markdown.\n\n")
	default:
		b.WriteString("You are a senior software engineer. Produce complete, compilable code.\n")
		b.WriteString("For every file you produce, precede its fenced code block with a line of the form:\n")
		b.WriteString("File: <relative/path>\n\n")
	}

	fmt.Fprintf(&b, "Goal: %s\n", task.Input.Goal)
	if task.Input.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", task.Input.Language)
	}
	if len(task.Input.Frameworks) > 0 {
		fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(task.Input.Frameworks, ", "))
	}
	if task.Input.Constraints.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", task.Input.Constraints.Style)
	}
	if expected := task.ExpectedFiles(); len(expected) > 0 {
		fmt.Fprintf(&b, "Expected files:\n")
		for _, f := range expected {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	if task.OutputContract != nil && task.OutputContract.PackageName != "" {
		fmt.Fprintf(&b, "Package: %s\n", task.OutputContract.PackageName)
	}

	if task.Metadata != nil {
		if len(task.Metadata.MemoryContext) > 0 {
			b.WriteString("\nRelevant context from earlier sessions:\n")
			for _, m := range task.Metadata.MemoryContext {
				if m.Goal != "" {
					fmt.Fprintf(&b, "- goal: %s\n", m.Goal)
				}
				if m.Summary != "" {
					fmt.Fprintf(&b, "  summary: %s\n", clip(m.Summary, 1024))
				}
			}
		}
		if len(task.Metadata.Conversation) > 0 {
			b.WriteString("\nConversation so far:\n")
			for _, turn := range task.Metadata.Conversation {
				fmt.Fprintf(&b, "%s: %s\n", turn.Role, clip(turn.Content, 2048))
			}
		}
	}

	rc := collectRepoContext(mergeRoot, task.Input.Repo)
	if len(rc.Files) > 0 {
		b.WriteString("\nProject files:\n")
		for _, f := range rc.Files {
			fmt.Fprintf(&b, "\nFile: %s\n```\n%s\n```\n", f.Rel, strings.TrimRight(f.Content, "\n"))
		}
	}

	b.WriteString("\nRespond now.\n")
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EstimateCtxTokens sizes the prompt in tokens, roughly four bytes per
// token.
func EstimateCtxTokens(prompt string) int {
	return len(prompt) / 4
}
