package final

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/store"
)

func newAssembler(t *testing.T) (*Assembler, *store.Store, *artifacts.Publisher) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "f.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	pub, err := artifacts.NewPublisher(t.TempDir())
	require.NoError(t, err)
	return NewAssembler(st, pub, nil), st, pub
}

func TestAssembleRowAndArtifacts(t *testing.T) {
	a, st, pub := newAssembler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTask(ctx, "t1", "CODE", "java", "succeeded", "v1", time.Now()))
	require.NoError(t, st.UpdateTaskStatus(ctx, "t1", "succeeded", 1234, "m1"))
	_, err := pub.Publish("t1", map[string]string{
		"result.md":    "the answer",
		"src/App.java": "class App {}",
	})
	require.NoError(t, err)

	payload, err := a.Assemble(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", payload["status"], "status canonicalized")
	assert.Equal(t, "m1", payload["model_used"])
	assert.Equal(t, int64(1234), payload["latency_ms"])
	assert.Equal(t, "result.md", payload["artifact"])
	assert.Equal(t, "the answer", payload["content"])
	assert.Len(t, payload["artifacts"], 2)
	_, hasNote := payload["note"]
	assert.False(t, hasNote)
}

func TestAssembleRowOnly(t *testing.T) {
	a, st, _ := newAssembler(t)
	ctx := context.Background()
	require.NoError(t, st.InsertTask(ctx, "t2", "DOC", "", "queued", "v1", time.Now()))

	payload, err := a.Assemble(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "queued", payload["status"])
	_, hasContent := payload["content"]
	assert.False(t, hasContent)
}

func TestAssembleArtifactsOnlyFallback(t *testing.T) {
	a, _, pub := newAssembler(t)
	_, err := pub.Publish("t3", map[string]string{"notes/summary.md": "body"})
	require.NoError(t, err)

	payload, err := a.Assemble(context.Background(), "t3")
	require.NoError(t, err)
	assert.Equal(t, "fallback-artifacts", payload["note"])
	assert.Equal(t, "done", payload["status"])
	assert.Equal(t, "notes/summary.md", payload["artifact"])
	assert.Equal(t, "body", payload["content"])
	assert.Equal(t, "body", payload["result"])
}

func TestAssembleResultOverlay(t *testing.T) {
	a, st, pub := newAssembler(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTask(ctx, "t5", "CODE", "java", "running", "v1", time.Now()))
	require.NoError(t, st.UpdateTaskStatus(ctx, "t5", "done", 900, "m2"))
	require.NoError(t, pub.WriteResult("t5", map[string]any{
		"status":          "done",
		"model":           "m2",
		"content":         "final body",
		"zip_url":         "/zips/t5.zip",
		"follow_up_steps": []string{"add a service test"},
		"compile_pass":    true,
	}, []string{"size cap reached"}))

	payload, err := a.Assemble(ctx, "t5")
	require.NoError(t, err)
	assert.Equal(t, "final body", payload["result"], "content promoted to result")
	assert.Equal(t, "final body", payload["content"])
	assert.Equal(t, "/zips/t5.zip", payload["zip_url"])
	assert.Equal(t, []any{"add a service test"}, payload["follow_up_steps"])
	assert.Equal(t, true, payload["compile_pass"])
	assert.Equal(t, "result.md", payload["artifact"], "result.md mirror is the primary file")

	notes, err := pub.ReadFile("t5", artifacts.ZipNotesFile)
	require.NoError(t, err)
	assert.Contains(t, string(notes), "size cap")
}

func TestAssembleNotFound(t *testing.T) {
	a, _, _ := newAssembler(t)
	_, err := a.Assemble(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPickPrimary(t *testing.T) {
	assert.Equal(t, "out/result.md", pickPrimary([]string{"src/App.java", "out/result.md"}))
	assert.Equal(t, "b.md", pickPrimary([]string{"z.java", "b.md"}))
	assert.Equal(t, "", pickPrimary([]string{"App.class"}))
}
