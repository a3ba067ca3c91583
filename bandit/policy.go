package bandit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/store"
)

// ModePreferences lists the model tags to try first per conversation
// mode. Entries that are not currently available are skipped.
type ModePreferences struct {
	Chat    []string `yaml:"chat"`
	Docs    []string `yaml:"docs"`
	Planner []string `yaml:"planner"`
	Code    []string `yaml:"code"`
}

func (p ModePreferences) forMode(mode string) []string {
	switch mode {
	case "chat":
		return p.Chat
	case "docs":
		return p.Docs
	case "planner":
		return p.Planner
	case "code":
		return p.Code
	default:
		return nil
	}
}

// LoadModePreferences reads the policy file. A missing file yields empty
// preferences.
func LoadModePreferences(path string) (ModePreferences, error) {
	var prefs ModePreferences
	if path == "" {
		return prefs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, fmt.Errorf("read policy file: %w", err)
	}
	var doc struct {
		ModePreferences ModePreferences `yaml:"mode_preferences"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return prefs, fmt.Errorf("parse policy file: %w", err)
	}
	return doc.ModePreferences, nil
}

// StatsSource provides the per-feature reward aggregates.
type StatsSource interface {
	BanditStats(ctx context.Context, featureHash string) ([]store.BanditStat, error)
}

// Policy ranks candidate models with epsilon-greedy exploration: with
// probability epsilon the order is shuffled, otherwise models sort by
// smoothed mean reward, with speed rank breaking ties. Mode preferences
// are always moved to the front afterwards.
type Policy struct {
	epsilon float64
	prefs   ModePreferences
	stats   StatsSource
	logger  *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithLogger sets the policy logger.
func WithLogger(l *slog.Logger) PolicyOption {
	return func(p *Policy) { p.logger = l }
}

// WithRandSource seeds the exploration RNG, for tests.
func WithRandSource(src rand.Source) PolicyOption {
	return func(p *Policy) { p.rnd = rand.New(src) }
}

// NewPolicy builds a Policy over the given stats source.
func NewPolicy(epsilon float64, prefs ModePreferences, stats StatsSource, opts ...PolicyOption) *Policy {
	p := &Policy{
		epsilon: epsilon,
		prefs:   prefs,
		stats:   stats,
		logger:  slog.Default(),
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// smoothedMean applies a Beta(0.5, 0.5)-style prior so unseen models get
// a neutral score instead of zero.
func smoothedMean(rewardSum float64, runs int64) float64 {
	return (rewardSum + 0.5) / (float64(runs) + 1.0)
}

// Rank orders the candidate models for a task, best first.
func (p *Policy) Rank(ctx context.Context, mode, featureHash string, models []registry.ModelInfo) []string {
	names := make([]string, len(models))
	speed := make(map[string]int, len(models))
	for i, m := range models {
		names[i] = m.Name
		speed[m.Name] = m.SpeedRank
	}

	means := map[string]float64{}
	if p.stats != nil {
		stats, err := p.stats.BanditStats(ctx, featureHash)
		if err != nil {
			p.logger.Warn("bandit stats unavailable, ranking by speed", "error", err)
		}
		for _, s := range stats {
			means[s.Model] = smoothedMean(s.RewardSum, s.Runs)
		}
	}

	p.mu.Lock()
	explore := p.rnd.Float64() < p.epsilon
	if explore {
		p.rnd.Shuffle(len(names), func(i, j int) {
			names[i], names[j] = names[j], names[i]
		})
	}
	p.mu.Unlock()

	if !explore {
		sort.SliceStable(names, func(i, j int) bool {
			mi, ok := means[names[i]]
			if !ok {
				mi = smoothedMean(0, 0)
			}
			mj, ok := means[names[j]]
			if !ok {
				mj = smoothedMean(0, 0)
			}
			if mi != mj {
				return mi > mj
			}
			return speed[names[i]] < speed[names[j]]
		})
	}

	return prependPreferred(names, p.prefs.forMode(mode))
}

// prependPreferred moves preferred models (in preference order) to the
// front, keeping the relative order of the rest.
func prependPreferred(names, preferred []string) []string {
	if len(preferred) == 0 {
		return names
	}
	present := map[string]bool{}
	for _, n := range names {
		present[n] = true
	}
	out := make([]string, 0, len(names))
	taken := map[string]bool{}
	for _, pref := range preferred {
		if present[pref] && !taken[pref] {
			out = append(out, pref)
			taken[pref] = true
		}
	}
	for _, n := range names {
		if !taken[n] {
			out = append(out, n)
		}
	}
	return out
}
