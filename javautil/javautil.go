// Package javautil reconciles generated Java sources with their on-disk
// location: the package line must match the directory below src/main/java
// and the file name must match the public type.
package javautil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	packageLineRx = regexp.MustCompile(`^\s*package\s+([a-zA-Z0-9_.]+)\s*;\s*$`)
	fenceRx       = regexp.MustCompile("^\\s*```.*$")
	typeDeclRx    = regexp.MustCompile(`(?m)^\s*(?:public\s+)?(class|interface|enum|record)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// DerivePackageClass derives the expected (package, class) pair from a
// relative source path. Paths containing a "java" segment use everything
// after it; other paths use all directory segments except src/main.
func DerivePackageClass(relPath string) (string, string) {
	parts := strings.Split(strings.Trim(relPath, "/"), "/")
	if len(parts) == 0 {
		return "", "Main"
	}
	cls := strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(parts[len(parts)-1]))
	if cls == "" {
		cls = "Main"
	}
	for i, p := range parts {
		if p == "java" {
			pkgParts := parts[i+1 : len(parts)-1]
			return strings.Join(pkgParts, "."), cls
		}
	}
	var pkgParts []string
	for _, p := range parts[:len(parts)-1] {
		if p == "src" || p == "main" {
			continue
		}
		pkgParts = append(pkgParts, p)
	}
	return strings.Join(pkgParts, "."), cls
}

// Sanitize strips fence lines and URL-like noise from model output and
// rewrites the package line to match the expected path. A missing package
// line is inserted when the path implies one.
func Sanitize(code, relPath string) string {
	var cleaned []string
	for _, ln := range strings.Split(code, "\n") {
		if fenceRx.MatchString(ln) {
			continue
		}
		trimmed := strings.TrimSpace(ln)
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			continue
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "for more information") ||
			strings.HasPrefix(lower, "status ") ||
			strings.HasPrefix(lower, "error ") ||
			strings.HasPrefix(lower, "warning ") {
			continue
		}
		cleaned = append(cleaned, ln)
	}
	code = strings.TrimSpace(strings.Join(cleaned, "\n"))

	pkgExpected, _ := DerivePackageClass(relPath)
	var out []string
	sawPkg := false
	for _, ln := range strings.Split(code, "\n") {
		if packageLineRx.MatchString(ln) {
			sawPkg = true
			if pkgExpected != "" {
				out = append(out, "package "+pkgExpected+";")
				continue
			}
		}
		out = append(out, ln)
	}
	code = strings.Join(out, "\n")
	if pkgExpected != "" && !sawPkg {
		code = "package " + pkgExpected + ";\n" + code
	}
	return strings.TrimSpace(code) + "\n"
}

// expectedPackage returns the package implied by path, or ok=false when the
// path has no "java" root segment to derive from.
func expectedPackage(path string) (string, bool) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		if p == "java" {
			pkgParts := parts[i+1 : len(parts)-1]
			kept := pkgParts[:0]
			for _, seg := range pkgParts {
				if seg != "" && seg != "." {
					kept = append(kept, seg)
				}
			}
			return strings.Join(kept, "."), true
		}
	}
	return "", false
}

// FixPackage rewrites the package declaration of an on-disk Java file to
// match its directory. A file outside any java source root is left alone.
func FixPackage(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".java") {
		return
	}
	expected, ok := expectedPackage(path)
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	text := string(data)
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(text, "\n")

	pkgIdx := -1
	currentPkg := ""
	for i, ln := range lines {
		if m := packageLineRx.FindStringSubmatch(ln); m != nil {
			pkgIdx = i
			currentPkg = m[1]
			break
		}
	}

	switch {
	case expected == "":
		if pkgIdx < 0 {
			return
		}
		lines = append(lines[:pkgIdx], lines[pkgIdx+1:]...)
		if pkgIdx < len(lines) && strings.TrimSpace(lines[pkgIdx]) == "" {
			lines = append(lines[:pkgIdx], lines[pkgIdx+1:]...)
		}
	case pkgIdx >= 0:
		if currentPkg == expected {
			return
		}
		lines[pkgIdx] = "package " + expected + ";"
	default:
		insert := 0
		for insert < len(lines) {
			t := strings.TrimSpace(lines[insert])
			if t == "" || strings.HasPrefix(t, "//") || strings.HasPrefix(t, "/*") || strings.HasPrefix(t, "*") {
				insert++
				continue
			}
			break
		}
		lines = append(lines[:insert], append([]string{"package " + expected + ";", ""}, lines[insert:]...)...)
	}

	newText := strings.Join(lines, "\n")
	if trailingNewline && !strings.HasSuffix(newText, "\n") {
		newText += "\n"
	}
	_ = os.WriteFile(path, []byte(newText), 0o644)
}

// FixFilename renames a Java file so its name matches the first declared
// public type. Case-only renames go through a temporary name so they work
// on case-insensitive filesystems. Returns the (possibly new) path.
func FixFilename(path string) string {
	if !strings.EqualFold(filepath.Ext(path), ".java") {
		return path
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	m := typeDeclRx.FindStringSubmatch(string(data))
	if m == nil {
		return path
	}
	expectedName := m[2] + ".java"
	if filepath.Base(path) == expectedName {
		return path
	}
	newPath := filepath.Join(filepath.Dir(path), expectedName)

	if strings.EqualFold(filepath.Base(path), expectedName) {
		tmp := filepath.Join(filepath.Dir(path), m[2]+"__tmp__.java")
		_ = os.Remove(tmp)
		if err := os.Rename(path, tmp); err != nil {
			return path
		}
		_ = os.Remove(newPath)
		if err := os.Rename(tmp, newPath); err != nil {
			return path
		}
		return newPath
	}
	_ = os.Remove(newPath)
	if err := os.Rename(path, newPath); err != nil {
		return path
	}
	return newPath
}
