package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
)

func TestSniffLanguage(t *testing.T) {
	assert.Equal(t, "java", SniffLanguage([]string{"src/App.java", "pom.xml", "readme.md"}))
	assert.Equal(t, "python", SniffLanguage([]string{"a.py", "b.py", "notes.md"}))
	assert.Equal(t, "markdown", SniffLanguage([]string{"a.md", "b.md"}))
	assert.Equal(t, "", SniffLanguage([]string{"LICENSE"}))
}

func TestSelectFilesCaps(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 12; i++ {
		files[string(rune('a'+i))+".txt"] = strings.Repeat("x", 5000)
	}
	sel := SelectFiles(files)
	assert.Len(t, sel, maxFiles)
	for _, v := range sel {
		assert.Len(t, v.(string), maxFileBytes)
	}
	// deterministic pick: lexicographically smallest paths
	_, ok := sel["a.txt"]
	assert.True(t, ok)
}

func TestSnippets(t *testing.T) {
	entries := []workspace.UploadEntry{
		{RelPath: "big.txt", Content: []byte(strings.Repeat("y", 3000))},
		{RelPath: "small.txt", Content: []byte("hi")},
	}
	snips := Snippets(entries)
	assert.Len(t, snips["big.txt"].(string), snippetBytes)
	assert.Equal(t, "hi", snips["small.txt"])
}

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRecorder(st, true, nil), st
}

func TestCaptureTask(t *testing.T) {
	r, st := newTestRecorder(t)
	task := &model.Task{
		ID:   uuid.New(),
		Type: model.TypeCode,
		Input: model.TaskInput{
			Language: "java",
			Goal:     "add a discount service",
			Repo:     model.RepoSpec{Path: "acme/shop"},
		},
		Metadata: &model.Metadata{SessionID: "sess1"},
	}
	result := &model.CandidateResult{
		Model:   "llama3:8b",
		Content: "implemented it",
		Files:   map[string]string{"src/main/java/D.java": "class D {}"},
	}

	r.CaptureTask(context.Background(), task, "code", result, "done", "src/main/java/D.java", "t.zip")

	got, err := st.SearchMemories(context.Background(), store.MemoryFilter{SessionID: "sess1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID.String(), got[0].TaskID)
	assert.Equal(t, "java", got[0].Language)
	assert.Equal(t, "llama3:8b", got[0].Model)
	assert.Contains(t, got[0].Files, "src/main/java/D.java")
}

func TestCaptureTaskDisabled(t *testing.T) {
	_, st := newTestRecorder(t)
	off := NewRecorder(st, false, nil)
	off.CaptureTask(context.Background(), &model.Task{ID: uuid.New()}, "code", &model.CandidateResult{}, "done", "", "")

	got, err := st.SearchMemories(context.Background(), store.MemoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertBootstrapReplacesPriorRow(t *testing.T) {
	r, st := newTestRecorder(t)
	ctx := context.Background()

	first, err := r.UpsertBootstrap(ctx, "sess3", "acme/shop", "./src\\main\\java\\App.java", []byte("class App {}"))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := r.UpsertBootstrap(ctx, "sess3", "acme/shop", "src/main/java/App.java", []byte("class App { int v; }"))
	require.NoError(t, err)
	require.NotEmpty(t, second)

	got, err := st.SearchMemories(ctx, store.MemoryFilter{RepoPath: "acme/shop", Limit: 25})
	require.NoError(t, err)
	require.Len(t, got, 1, "re-ingesting the same file keeps one row")
	assert.Equal(t, second, got[0].ID)
	assert.Equal(t, "bootstrap", got[0].Mode)
	assert.Equal(t, BootstrapModel, got[0].Model)
	assert.Equal(t, "src/main/java/App.java", got[0].ArtifactRel)
	assert.Equal(t, "Bootstrap file: src/main/java/App.java", got[0].Goal)
	assert.Contains(t, got[0].Summary, "int v")
}

func TestCaptureUploadAndLookup(t *testing.T) {
	r, _ := newTestRecorder(t)
	id, err := r.CaptureUpload(context.Background(), "sess2", "acme/shop", []workspace.UploadEntry{
		{RelPath: "src/App.java", Content: []byte("class App {}")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	mems := r.Lookup(context.Background(), []string{id, "missing-id"})
	require.Len(t, mems, 1)
	assert.Equal(t, "ingest", mems[0].Mode)
	assert.Equal(t, "java", mems[0].Language)
}
