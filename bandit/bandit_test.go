package bandit

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/store"
)

func TestFeatureHashStable(t *testing.T) {
	f := Features{Language: "Java", IncludeCount: 2, TestsPresent: true, CtxTokens: 4096}
	g := Features{Language: "java", IncludeCount: 3, TestsPresent: true, CtxTokens: 4000}
	assert.Equal(t, f.Hash(), g.Hash(), "same buckets hash identically")

	h := Features{Language: "java", IncludeCount: 4, TestsPresent: true, CtxTokens: 4096}
	assert.NotEqual(t, f.Hash(), h.Hash(), "repo bucket changes the hash")
}

func TestBuckets(t *testing.T) {
	assert.Equal(t, "s", repoBucket(0))
	assert.Equal(t, "s", repoBucket(3))
	assert.Equal(t, "m", repoBucket(4))
	assert.Equal(t, "m", repoBucket(15))
	assert.Equal(t, "l", repoBucket(16))

	assert.Equal(t, "4k", ctxBucket(4096))
	assert.Equal(t, "8k", ctxBucket(8192))
	assert.Equal(t, "16k+", ctxBucket(16384))
}

func TestTestsPresent(t *testing.T) {
	assert.True(t, TestsPresent("write unit tests for foo", nil))
	assert.True(t, TestsPresent("add service", []string{"src/test/java/FooTest.java"}))
	assert.False(t, TestsPresent("add service", []string{"src/main/java/Foo.java"}))
}

func TestJSONLLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandit", "events.jsonl")
	l, err := NewJSONLLog(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(context.Background(), Event{Model: "m1", Reward: 1.0, Meta: map[string]any{"won": true}}))
	require.NoError(t, l.Record(context.Background(), Event{Model: "m2", Reward: 0.5}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[0].Model)
	assert.False(t, events[0].TS.IsZero())
	assert.Equal(t, 0.5, events[1].Reward)
}

type fixedStats struct {
	stats []store.BanditStat
}

func (f *fixedStats) BanditStats(context.Context, string) ([]store.BanditStat, error) {
	return f.stats, nil
}

func testModels() []registry.ModelInfo {
	return []registry.ModelInfo{
		{Name: "fast-weak", SpeedRank: 1},
		{Name: "slow-strong", SpeedRank: 9},
		{Name: "mid", SpeedRank: 5},
	}
}

func TestRankGreedyPrefersRewarded(t *testing.T) {
	stats := &fixedStats{stats: []store.BanditStat{
		{Model: "slow-strong", Runs: 10, RewardSum: 9.0},
		{Model: "fast-weak", Runs: 10, RewardSum: 2.0},
	}}
	// epsilon 0 forces greedy ordering
	p := NewPolicy(0, ModePreferences{}, stats, WithRandSource(rand.NewSource(1)))

	order := p.Rank(context.Background(), "code", "fh", testModels())
	assert.Equal(t, "slow-strong", order[0])
	// "mid" has no stats, its prior mean 0.5 beats fast-weak's 2.5/11
	assert.Equal(t, "mid", order[1])
	assert.Equal(t, "fast-weak", order[2])
}

func TestRankUnseenTieBreaksBySpeed(t *testing.T) {
	p := NewPolicy(0, ModePreferences{}, &fixedStats{}, WithRandSource(rand.NewSource(1)))
	order := p.Rank(context.Background(), "code", "fh", testModels())
	assert.Equal(t, []string{"fast-weak", "mid", "slow-strong"}, order)
}

func TestRankModePreferencesPrepended(t *testing.T) {
	prefs := ModePreferences{Docs: []string{"mid", "absent-model"}}
	p := NewPolicy(0, prefs, &fixedStats{}, WithRandSource(rand.NewSource(1)))
	order := p.Rank(context.Background(), "docs", "fh", testModels())
	assert.Equal(t, "mid", order[0], "preferred available model first")
	assert.NotContains(t, order, "absent-model")
	assert.Len(t, order, 3)
}

func TestRankExplorationShuffles(t *testing.T) {
	// epsilon 1 always explores; with enough draws the order varies
	p := NewPolicy(1, ModePreferences{}, &fixedStats{}, WithRandSource(rand.NewSource(42)))
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		order := p.Rank(context.Background(), "code", "fh", testModels())
		seen[order[0]] = true
	}
	assert.Greater(t, len(seen), 1, "exploration produces varied leaders")
}

func TestLoadModePreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode_preferences:
  chat: [llama3:8b]
  code: [qwen2.5-coder:7b, deepseek-coder:6.7b]
`), 0o644))

	prefs, err := LoadModePreferences(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b"}, prefs.Chat)
	assert.Len(t, prefs.Code, 2)

	empty, err := LoadModePreferences(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, empty.Chat)
}

func TestSmoothedMean(t *testing.T) {
	assert.Equal(t, 0.5, smoothedMean(0, 0))
	assert.InDelta(t, 0.9545, smoothedMean(10, 10), 0.001)
}
