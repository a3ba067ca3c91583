// Package artifacts extracts files from model output and publishes them
// under the per-task artifacts directory.
package artifacts

import (
	"regexp"
	"strings"

	"github.com/maxwellcavalli/macs/javautil"
	"github.com/maxwellcavalli/macs/workspace"
)

var (
	fenceOpenRx = regexp.MustCompile("^```[a-zA-Z0-9_+-]*\\s*$")
	fenceAnyRx  = regexp.MustCompile("^```")
	// File hints look like "File: src/main/java/App.java" with optional
	// markdown decoration.
	fileHintRx = regexp.MustCompile(`(?i)^\s*(?:[*#/\-]+\s*)?(?:file|path|filename)\s*:\s*` + "`?" + `([^\s` + "`" + `]+)` + "`?" + `\s*:?\s*$`)
)

// hintPath parses a "File: path" hint line, stripping markdown
// decoration around the path.
func hintPath(line string) (string, bool) {
	m := fileHintRx.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	path := strings.Trim(m[1], "*`:")
	if path == "" {
		return "", false
	}
	return path, true
}

// ExtractFiles pulls fenced code blocks out of model output, keyed by the
// file path hinted either on the first line inside the block or on one of
// the four lines preceding it. Blocks without any hint are skipped.
// Java content is sanitized against its target path.
func ExtractFiles(output string) map[string]string {
	lines := strings.Split(output, "\n")
	files := map[string]string{}

	for i := 0; i < len(lines); i++ {
		if !fenceOpenRx.MatchString(lines[i]) {
			continue
		}
		// find the closing fence
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if fenceAnyRx.MatchString(lines[j]) {
				end = j
				break
			}
		}
		if end < 0 {
			break
		}
		body := lines[i+1 : end]

		path := ""
		// hint on the first line inside the block
		if len(body) > 0 {
			if p, ok := hintPath(body[0]); ok {
				path = p
				body = body[1:]
			}
		}
		// or on one of the four lines before the block
		if path == "" {
			for back := 1; back <= 4 && i-back >= 0; back++ {
				if p, ok := hintPath(lines[i-back]); ok {
					path = p
					break
				}
			}
		}
		if path == "" {
			i = end
			continue
		}

		rel := workspace.SanitizeRelPath(path)
		content := strings.TrimRight(strings.Join(body, "\n"), " \t\n") + "\n"
		if strings.HasSuffix(strings.ToLower(rel), ".java") {
			content = javautil.Sanitize(content, rel)
		}
		files[rel] = content
		i = end
	}
	return files
}

// PrimaryRelPath decides the main output file for a run: the first
// expected file when the contract names one, otherwise a mode-specific
// default.
func PrimaryRelPath(expected []string, mode string) string {
	if len(expected) > 0 {
		return workspace.SanitizeRelPath(expected[0])
	}
	switch mode {
	case "chat":
		return "response.md"
	case "docs":
		return "documentation.md"
	case "planner":
		return "plan.md"
	default:
		return "main.txt"
	}
}
