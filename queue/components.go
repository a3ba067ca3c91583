package queue

import (
	"path"
	"sort"
	"strings"

	"github.com/maxwellcavalli/macs/javautil"
	"github.com/maxwellcavalli/macs/model"
)

// componentKinds are the layered-architecture roles a Java task can ask
// for, in the order follow-up steps are reported.
var componentKinds = []string{"controller", "service", "repository", "model", "dto", "config"}

var componentSynonyms = map[string][]string{
	"controller": {"controller", "rest endpoint", "http endpoint", "api layer"},
	"service":    {"service", "business logic"},
	"repository": {"repository", "dao", "data access"},
	"model":      {"entity", "domain model", "domain object"},
	"dto":        {"dto", "data transfer object"},
	"config":     {"configuration class", "spring config"},
}

// componentMarkers are code-level signals that a file fulfills a role
// even when its path does not say so.
var componentMarkers = map[string][]string{
	"controller": {"@RestController", "@Controller"},
	"service":    {"@Service"},
	"repository": {"@Repository", "extends JpaRepository", "extends CrudRepository"},
	"model":      {"@Entity"},
	"dto":        {"record ", "Dto {"},
	"config":     {"@Configuration"},
}

// detectComponents returns the roles the goal or the expected file list
// ask for.
func detectComponents(goal string, expected []string) []string {
	haystack := strings.ToLower(goal)
	for _, p := range expected {
		haystack += " " + strings.ToLower(p)
	}
	var kinds []string
	for _, kind := range componentKinds {
		if strings.Contains(haystack, kind) {
			kinds = append(kinds, kind)
			continue
		}
		for _, syn := range componentSynonyms[kind] {
			if strings.Contains(haystack, syn) {
				kinds = append(kinds, kind)
				break
			}
		}
	}
	return kinds
}

// packageHint resolves the Java package for a task: the explicit output
// contract wins, else it is derived from the first expected .java path.
func packageHint(task *model.Task) string {
	if task.OutputContract != nil && task.OutputContract.PackageName != "" {
		return task.OutputContract.PackageName
	}
	for _, p := range task.ExpectedFiles() {
		if strings.HasSuffix(p, ".java") {
			pkg, _ := javautil.DerivePackageClass(p)
			return pkg
		}
	}
	return ""
}

// declaredPackage reads the package line out of a Java source body.
func declaredPackage(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSuffix(strings.TrimPrefix(line, "package "), ";")
		}
		if line != "" && !strings.HasPrefix(line, "//") {
			break
		}
	}
	return ""
}

// rebaseJavaFiles moves .java files that are not already under a source
// root beneath src/main/java/<package path>. The package comes from the
// file's own package line, falling back to pkgHint.
func rebaseJavaFiles(files map[string]string, pkgHint string) map[string]string {
	out := make(map[string]string, len(files))
	for rel, content := range files {
		if !strings.HasSuffix(rel, ".java") || strings.HasPrefix(rel, "src/") {
			out[rel] = content
			continue
		}
		pkg := declaredPackage(content)
		if pkg == "" {
			pkg = pkgHint
		}
		if pkg == "" {
			out[rel] = content
			continue
		}
		out[path.Join("src/main/java", strings.ReplaceAll(pkg, ".", "/"), path.Base(rel))] = content
	}
	return out
}

// componentCovered reports whether any generated file fulfills kind, by
// path segment, filename suffix, or code marker.
func componentCovered(files map[string]string, kind string) bool {
	suffix := strings.ToUpper(kind[:1]) + kind[1:]
	for rel, content := range files {
		lower := strings.ToLower(rel)
		if strings.Contains(lower, "/"+kind+"/") || strings.HasSuffix(lower, kind+".java") {
			return true
		}
		base := strings.TrimSuffix(path.Base(rel), ".java")
		if strings.HasSuffix(base, suffix) {
			return true
		}
		for _, marker := range componentMarkers[kind] {
			if strings.Contains(content, marker) {
				return true
			}
		}
	}
	return false
}

// coverComponents adds a placeholder source file for every requested but
// uncovered role. It returns the uncovered roles and one follow-up step
// per placeholder.
func coverComponents(files map[string]string, kinds []string, pkgHint string) ([]string, []string) {
	var missing, steps []string
	for _, kind := range kinds {
		if componentCovered(files, kind) {
			continue
		}
		missing = append(missing, kind)
		name := strings.ToUpper(kind[:1]) + kind[1:] + "Placeholder"
		rel := name + ".java"
		var b strings.Builder
		if pkgHint != "" {
			rel = path.Join("src/main/java", strings.ReplaceAll(pkgHint, ".", "/"), rel)
			b.WriteString("package " + pkgHint + ";\n\n")
		}
		b.WriteString("// The requested " + kind + " component was not generated in this pass.\n")
		b.WriteString("public class " + name + " {\n}\n")
		files[rel] = b.String()
		steps = append(steps, "Implement the "+kind+" component; the generated code did not cover it.")
	}
	sort.Strings(steps)
	return missing, steps
}
