package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/status"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "macs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTask(ctx, "t1", "CODE", "java", "queued", "v1", time.Now()))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "java", got.Language)
	assert.False(t, got.ModelUsed.Valid)

	require.NoError(t, s.UpdateTaskStatus(ctx, "t1", "done", 4200, "llama3:8b"))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, int64(4200), got.LatencyMS.Int64)
	assert.Equal(t, "llama3:8b", got.ModelUsed.String)
}

func TestStatusGuardAtWriteBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("default fix rewrites synonyms", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, s.InsertTask(ctx, "t1", "CODE", "java", "queued", "v1", time.Now()))

		require.NoError(t, s.UpdateTaskStatus(ctx, "t1", "succeeded", 100, "m1"))
		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "done", got.Status)

		assert.Error(t, s.UpdateTaskStatus(ctx, "t1", "exploded", 0, ""), "unknown statuses never reach the row")
	})

	t.Run("error mode rejects the write", func(t *testing.T) {
		s, err := Open(ctx, filepath.Join(t.TempDir(), "g.db"),
			WithStatusGuard(status.NewGuard(status.GuardError, nil)))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		assert.Error(t, s.InsertTask(ctx, "t2", "CODE", "java", "succeeded", "v1", time.Now()))
		require.NoError(t, s.InsertTask(ctx, "t2", "CODE", "java", "queued", "v1", time.Now()))
		assert.Error(t, s.UpdateTaskStatus(ctx, "t2", "finished", 0, ""))
		got, err := s.GetTask(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, "queued", got.Status)
	})
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentTasksOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.InsertTask(ctx, "old", "CODE", "java", "done", "v1", base))
	require.NoError(t, s.InsertTask(ctx, "new", "DOC", "", "queued", "v1", base.Add(time.Minute)))

	rows, err := s.RecentTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new", rows[0].ID)
}

func TestRewardsAndBanditStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertReward(ctx, "t1", "m1", true, 1000, 0))
	require.NoError(t, s.InsertReward(ctx, "t1", "m2", false, 9000, 0))

	rewards, err := s.RewardsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rewards, 2)

	require.NoError(t, s.UpsertBanditStat(ctx, "m1", "abc", 1.0))
	require.NoError(t, s.UpsertBanditStat(ctx, "m1", "abc", 0.5))
	require.NoError(t, s.UpsertBanditStat(ctx, "m2", "abc", 0.0))

	stats, err := s.BanditStats(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "m1", stats[0].Model, "highest reward sum first")
	assert.Equal(t, int64(2), stats[0].Runs)
	assert.InDelta(t, 1.5, stats[0].RewardSum, 1e-9)
	assert.InDelta(t, 1.25, stats[0].RewardSqSum, 1e-9)
}

func TestMemoriesSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.WorkspaceMemory{
		TaskID:    "t1",
		RepoPath:  "acme/shop",
		Language:  "java",
		Mode:      "code",
		Status:    "done",
		Goal:      "add discount service",
		Summary:   "implemented DiscountService with tests",
		SessionID: "sess1",
		Files:     map[string]any{"src/main/java/App.java": "snippet"},
	}
	require.NoError(t, s.InsertMemory(ctx, m))
	require.NotEmpty(t, m.ID)

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/shop", got.RepoPath)
	assert.Contains(t, got.Files, "src/main/java/App.java")

	res, err := s.SearchMemories(ctx, MemoryFilter{RepoPath: "acme/shop", Query: "discount"})
	require.NoError(t, err)
	require.Len(t, res, 1)

	res, err = s.SearchMemories(ctx, MemoryFilter{RepoPath: "other/repo"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchMemoriesRepoPathVariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMemory(ctx, &model.WorkspaceMemory{
		RepoPath: "./acme/shop/", Goal: "variant row",
	}))

	for _, repo := range []string{"acme/shop", "./acme/shop", "acme/shop/", "ACME/Shop"} {
		res, err := s.SearchMemories(ctx, MemoryFilter{RepoPath: repo})
		require.NoError(t, err)
		assert.Len(t, res, 1, "repo %q should match", repo)
	}

	res, err := s.SearchMemories(ctx, MemoryFilter{RepoPath: "acme/warehouse"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestDeleteMemoriesByModeAndArtifact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMemory(ctx, &model.WorkspaceMemory{
		Mode: "bootstrap", ArtifactRel: "src/App.java", Goal: "old",
	}))
	require.NoError(t, s.InsertMemory(ctx, &model.WorkspaceMemory{
		Mode: "code", ArtifactRel: "src/App.java", Goal: "kept",
	}))

	n, err := s.DeleteMemories(ctx, "bootstrap", "src/App.java")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := s.SearchMemories(ctx, MemoryFilter{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "kept", res[0].Goal)
}

func TestSearchMemoriesLimitClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, s.InsertMemory(ctx, &model.WorkspaceMemory{
			RepoPath: "r", Goal: "g", SessionID: "s",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	res, err := s.SearchMemories(ctx, MemoryFilter{RepoPath: "r", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, res, 25)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{postgres: true}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	s.postgres = false
	assert.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}
