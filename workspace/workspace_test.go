package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"src/main/java/App.java", "src/main/java/App.java"},
		{"./docs/readme.md", "docs/readme.md"},
		{"..\\..\\etc\\passwd", "etc/passwd"},
		{"a/../../b", "a/b"},
		{"", "output.txt"},
		{"../..", "output.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeRelPath(tt.in), tt.in)
	}
}

func TestResolveSafePath(t *testing.T) {
	s := newTestSandbox(t)

	abs, ok := s.ResolveSafePath("runs/t1/merge/App.java")
	assert.True(t, ok)
	assert.True(t, filepath.IsAbs(abs))

	_, ok = s.ResolveSafePath("../outside.txt")
	assert.False(t, ok)
}

func TestResolveSafePathSymlinkEscape(t *testing.T) {
	s := newTestSandbox(t)
	outside := t.TempDir()
	link := filepath.Join(s.Root(), "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, ok := s.ResolveSafePath("escape/file.txt")
	assert.False(t, ok)
}

func TestPrepareDirectoryClears(t *testing.T) {
	s := newTestSandbox(t)

	dir, err := s.PrepareDirectory("runs/t1")
	require.NoError(t, err)
	stale := filepath.Join(dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	dir2, err := s.PrepareDirectory("runs/t1")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestStageUpload(t *testing.T) {
	s := newTestSandbox(t)

	rel, written, err := s.StageUpload("sess-123", "demo/repo", []UploadEntry{
		{RelPath: "README.md", Content: []byte("hello")},
		{RelPath: "src/main/java/com/acme/wrong.java", Content: []byte("package bad;\npublic class App {}\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/sess123/demo/repo", rel)
	assert.Contains(t, written, "README.md")
	assert.Contains(t, written, "src/main/java/com/acme/App.java")

	data, err := os.ReadFile(filepath.Join(s.Root(), "uploads", "sess123", "demo", "repo", "src", "main", "java", "com", "acme", "App.java"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "package com.acme;")
}

func TestEnsureMergeTreeSeedsFromStage(t *testing.T) {
	s := newTestSandbox(t)
	rel, _, err := s.StageUpload("abc", "proj", []UploadEntry{
		{RelPath: "pom.xml", Content: []byte("<project/>")},
	})
	require.NoError(t, err)

	mergeRel, mergeRoot, err := s.EnsureMergeTree("task-1", rel)
	require.NoError(t, err)
	assert.Equal(t, "runs/task-1/merge", mergeRel)

	data, err := os.ReadFile(filepath.Join(mergeRoot, "pom.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<project/>", string(data))
}

func TestEnsureMergeTreeWithoutStage(t *testing.T) {
	s := newTestSandbox(t)
	_, mergeRoot, err := s.EnsureMergeTree("task-2", "")
	require.NoError(t, err)
	entries, err := os.ReadDir(mergeRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
