package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RewardRow is one recorded candidate outcome.
type RewardRow struct {
	ID         string
	TaskID     string
	Model      string
	Success    bool
	LatencyMS  int64
	HumanScore float64
	CreatedAt  time.Time
}

// InsertReward records one candidate outcome for a task.
func (s *Store) InsertReward(ctx context.Context, taskID, model string, success bool, latencyMS int64, humanScore float64) error {
	err := s.exec(ctx,
		`INSERT INTO rewards (id, task_id, model, success, latency_ms, human_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, model, success, latencyMS, humanScore, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert reward for %s: %w", taskID, err)
	}
	return nil
}

// RewardsForTask lists the rewards recorded for one task.
func (s *Store) RewardsForTask(ctx context.Context, taskID string) ([]RewardRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, task_id, model, success, latency_ms, human_score, created_at
		 FROM rewards WHERE task_id = ? ORDER BY created_at`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list rewards for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []RewardRow
	for rows.Next() {
		var r RewardRow
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Model, &r.Success, &r.LatencyMS, &r.HumanScore, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BanditStat is one (model, feature) aggregate.
type BanditStat struct {
	Model       string    `json:"model"`
	FeatureHash string    `json:"feature_hash"`
	Runs        int64     `json:"runs"`
	RewardSum   float64   `json:"reward_sum"`
	RewardSqSum float64   `json:"reward_sq_sum"`
	LastUpdated time.Time `json:"last_updated"`
}

// UpsertBanditStat folds one reward observation into the (model, feature)
// aggregate.
func (s *Store) UpsertBanditStat(ctx context.Context, model, featureHash string, reward float64) error {
	err := s.exec(ctx,
		`INSERT INTO bandit_stats (model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (model, feature_hash) DO UPDATE SET
			runs = bandit_stats.runs + 1,
			reward_sum = bandit_stats.reward_sum + excluded.reward_sum,
			reward_sq_sum = bandit_stats.reward_sq_sum + excluded.reward_sq_sum,
			last_updated = excluded.last_updated`,
		model, featureHash, reward, reward*reward, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert bandit stat %s/%s: %w", model, featureHash, err)
	}
	return nil
}

// BanditStats returns the aggregates for a feature hash, or all when the
// hash is empty.
func (s *Store) BanditStats(ctx context.Context, featureHash string) ([]BanditStat, error) {
	query := `SELECT model, feature_hash, runs, reward_sum, reward_sq_sum, last_updated FROM bandit_stats`
	args := []any{}
	if featureHash != "" {
		query += ` WHERE feature_hash = ?`
		args = append(args, featureHash)
	}
	query += ` ORDER BY reward_sum DESC, runs DESC, model ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list bandit stats: %w", err)
	}
	defer rows.Close()

	var out []BanditStat
	for rows.Next() {
		var b BanditStat
		if err := rows.Scan(&b.Model, &b.FeatureHash, &b.Runs, &b.RewardSum, &b.RewardSqSum, &b.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
