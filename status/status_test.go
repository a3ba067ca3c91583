package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"succeeded", "done"},
		{"SUCCESS", "done"},
		{"Completed", "done"},
		{"complete", "done"},
		{"failed", "error"},
		{"failure", "error"},
		{"fail", "error"},
		{"cancelled", "canceled"},
		{"canceled", "canceled"},
		{"queued", "queued"},
		{"running", "running"},
		{"  done  ", "done"},
		{"timeout", "timeout"}, // unknown passes through
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"succeeded", "failed", "cancelled", "done", "weird", ""}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "Normalize not idempotent for %q", in)
	}
}

func TestCanon(t *testing.T) {
	got, err := Canon("Succeeded")
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	_, err = Canon("bogus")
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Done))
	assert.True(t, IsTerminal(Error))
	assert.True(t, IsTerminal(Canceled))
	assert.False(t, IsTerminal(Queued))
	assert.False(t, IsTerminal(Running))
}

func TestNormalizePayload(t *testing.T) {
	in := map[string]any{
		"status": "succeeded",
		"nested": map[string]any{"status": "failed", "other": 1},
		"list":   []any{map[string]any{"status": "cancelled"}},
		"keep":   "succeeded", // only "status" keys rewritten
	}
	out := NormalizePayload(in).(map[string]any)
	assert.Equal(t, "done", out["status"])
	assert.Equal(t, "error", out["nested"].(map[string]any)["status"])
	assert.Equal(t, "canceled", out["list"].([]any)[0].(map[string]any)["status"])
	assert.Equal(t, "succeeded", out["keep"])
}

func TestGuardModes(t *testing.T) {
	t.Run("fix rewrites synonyms", func(t *testing.T) {
		g := NewGuard(GuardFix, nil)
		got, err := g.Apply("succeeded")
		require.NoError(t, err)
		assert.Equal(t, "done", got)
	})

	t.Run("fix rejects unknown", func(t *testing.T) {
		g := NewGuard(GuardFix, nil)
		_, err := g.Apply("nonsense")
		assert.Error(t, err)
	})

	t.Run("error rejects synonyms", func(t *testing.T) {
		g := NewGuard(GuardError, nil)
		_, err := g.Apply("succeeded")
		assert.Error(t, err)
	})

	t.Run("error accepts canonical", func(t *testing.T) {
		g := NewGuard(GuardError, nil)
		got, err := g.Apply("done")
		require.NoError(t, err)
		assert.Equal(t, "done", got)
	})

	t.Run("warn passes through", func(t *testing.T) {
		g := NewGuard(GuardWarn, nil)
		got, err := g.Apply("succeeded")
		require.NoError(t, err)
		assert.Equal(t, "succeeded", got)
	})

	t.Run("off passes everything", func(t *testing.T) {
		g := NewGuard(GuardOff, nil)
		got, err := g.Apply("whatever")
		require.NoError(t, err)
		assert.Equal(t, "whatever", got)
	})
}

func TestParseGuardMode(t *testing.T) {
	assert.Equal(t, GuardError, ParseGuardMode("error"))
	assert.Equal(t, GuardWarn, ParseGuardMode("WARN"))
	assert.Equal(t, GuardOff, ParseGuardMode("off"))
	assert.Equal(t, GuardFix, ParseGuardMode(""))
	assert.Equal(t, GuardFix, ParseGuardMode("banana"))
}
