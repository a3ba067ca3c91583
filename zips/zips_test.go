package zips

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuildSkipsJunk(t *testing.T) {
	src := writeTree(t, map[string]string{
		"src/main/java/App.java":   "class App {}",
		"target/classes/App.class": "xx",
		".git/config":              "xx",
		"app.log":                  "xx",
		"readme.md":                "hi",
	})
	a, err := NewAssembler(t.TempDir(), DefaultLimits(), nil)
	require.NoError(t, err)

	name, notes, err := a.Build("t1", src)
	require.NoError(t, err)
	assert.Equal(t, "t1.zip", name)
	assert.Empty(t, notes)

	names := zipNames(t, filepath.Join(a.Dir(), name))
	assert.ElementsMatch(t, []string{"src/main/java/App.java", "readme.md"}, names)
}

func TestBuildOversizeFileNoted(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxFileBytes = 4
	src := writeTree(t, map[string]string{
		"small.txt": "ok",
		"big.txt":   "way too large",
	})
	a, err := NewAssembler(t.TempDir(), limits, nil)
	require.NoError(t, err)

	name, notes, err := a.Build("t2", src)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "big.txt")
	assert.Equal(t, []string{"small.txt"}, zipNames(t, filepath.Join(a.Dir(), name)))
}

func TestBuildByteCapStopsWalk(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBytes = 6
	src := writeTree(t, map[string]string{
		"a.txt": "data",
		"b.txt": "xxxxx",
		"c.txt": "ok",
	})
	a, err := NewAssembler(t.TempDir(), limits, nil)
	require.NoError(t, err)

	name, notes, err := a.Build("t4", src)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "size cap")

	// c.txt would fit on its own but the archive is exactly the prefix
	// accepted before the cap was hit
	assert.Equal(t, []string{"a.txt"}, zipNames(t, filepath.Join(a.Dir(), name)))
}

func TestBuildEmptyTree(t *testing.T) {
	a, err := NewAssembler(t.TempDir(), DefaultLimits(), nil)
	require.NoError(t, err)
	name, _, err := a.Build("t3", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, name)
}

func makeZip(t *testing.T, files map[string]string) ([]byte, int64) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes(), int64(buf.Len())
}

func TestExtractFlattensSingleRoot(t *testing.T) {
	data, size := makeZip(t, map[string]string{
		"myproj/pom.xml":       "<project/>",
		"myproj/src/App.java":  "class App {}",
		"myproj/docs/notes.md": "n",
	})
	entries, err := Extract(bytes.NewReader(data), size)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.RelPath] = true
	}
	assert.True(t, paths["pom.xml"])
	assert.True(t, paths["src/App.java"])
}

func TestExtractMixedRootsKept(t *testing.T) {
	data, size := makeZip(t, map[string]string{
		"a/x.txt": "1",
		"b/y.txt": "2",
	})
	entries, err := Extract(bytes.NewReader(data), size)
	require.NoError(t, err)
	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.RelPath] = true
	}
	assert.True(t, paths["a/x.txt"])
	assert.True(t, paths["b/y.txt"])
}

func TestExtractRejectsEmpty(t *testing.T) {
	data, size := makeZip(t, map[string]string{})
	_, err := Extract(bytes.NewReader(data), size)
	assert.Error(t, err)
}

func TestExtractRejectsTooManyMembers(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < uploadMaxMembers+1; i++ {
		files[filepath.Join("d", strings.Repeat("f", 3)+string(rune('a'+i%26))+string(rune('0'+i/26)))+".txt"] = "x"
	}
	data, size := makeZip(t, files)
	_, err := Extract(bytes.NewReader(data), size)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestExtractRejectsOversizeArchive(t *testing.T) {
	_, err := Extract(bytes.NewReader(nil), uploadMaxArchiveBytes+1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestExtractSanitizesPaths(t *testing.T) {
	data, size := makeZip(t, map[string]string{
		"proj/../../../etc/passwd": "x",
		"proj/ok.txt":              "y",
	})
	entries, err := Extract(bytes.NewReader(data), size)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.RelPath, "..")
	}
}
