package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxwellcavalli/macs/javautil"
)

// sessionKey shortens a session id to a filesystem-friendly token.
func sessionKey(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

// StagingRel returns the workspace-relative staging directory for an
// uploaded bundle.
func StagingRel(sessionID, repoLabel string) string {
	parts := []string{"uploads", sessionKey(sessionID)}
	for _, p := range strings.Split(repoLabel, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// UploadEntry is one file extracted from an uploaded archive.
type UploadEntry struct {
	RelPath string
	Content []byte
}

// StageUpload writes uploaded entries into a fresh staging directory.
// Java files get their package line and filename reconciled with their
// location. Returns the staging rel path and the written rel paths.
func (s *Sandbox) StageUpload(sessionID, repoLabel string, entries []UploadEntry) (string, []string, error) {
	relBase := StagingRel(sessionID, repoLabel)
	destRoot, err := s.PrepareDirectory(relBase)
	if err != nil {
		return "", nil, err
	}
	var written []string
	for _, e := range entries {
		rel := SanitizeRelPath(e.RelPath)
		target := filepath.Join(destRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", nil, fmt.Errorf("stage %s: %w", rel, err)
		}
		if err := os.WriteFile(target, e.Content, 0o644); err != nil {
			return "", nil, fmt.Errorf("stage %s: %w", rel, err)
		}
		if strings.EqualFold(filepath.Ext(target), ".java") {
			javautil.FixPackage(target)
			target = javautil.FixFilename(target)
		}
		relOut, err := filepath.Rel(destRoot, target)
		if err == nil {
			written = append(written, filepath.ToSlash(relOut))
		}
	}
	return relBase, written, nil
}

// EnsureMergeTree builds the per-task merge tree at runs/<task>/merge,
// seeding it with the staged upload contents when present. The merge tree
// is what the zip assembler ultimately packages.
func (s *Sandbox) EnsureMergeTree(taskID, stageRel string) (string, string, error) {
	mergeRel := fmt.Sprintf("runs/%s/merge", taskID)
	mergeRoot, err := s.PrepareDirectory(mergeRel)
	if err != nil {
		return "", "", err
	}
	if stageRel == "" || stageRel == "." {
		return mergeRel, mergeRoot, nil
	}
	stageRoot, ok := s.ResolveSafePath(stageRel)
	if !ok {
		return mergeRel, mergeRoot, nil
	}
	if _, err := os.Stat(stageRoot); err != nil {
		return mergeRel, mergeRoot, nil
	}
	err = filepath.WalkDir(stageRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stageRoot, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(mergeRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
	if err != nil {
		return "", "", fmt.Errorf("seed merge tree: %w", err)
	}
	return mergeRel, mergeRoot, nil
}

// CopyInto mirrors srcDir into dstDir, creating parents as needed.
func CopyInto(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
}
