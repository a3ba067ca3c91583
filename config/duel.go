package config

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DuelWeights parameterize the duel scoring rule.
type DuelWeights struct {
	// RuleVersion tags which scoring rule produced a decision.
	RuleVersion string `yaml:"rule_version"`
	// SuccessWeight rewards overall candidate success.
	SuccessWeight float64 `yaml:"success_weight"`
	// TestPassWeight rewards a passing test run on top of success.
	TestPassWeight float64 `yaml:"test_pass_weight"`
	// LatencyPenaltyMS is subtracted per millisecond of latency.
	LatencyPenaltyMS float64 `yaml:"latency_penalty_ms"`
	// HumanScoreWeight scales manual 0..5 feedback.
	HumanScoreWeight float64 `yaml:"human_score_weight"`
}

// DefaultDuelWeights returns the v1 scoring rule.
func DefaultDuelWeights() DuelWeights {
	return DuelWeights{
		RuleVersion:      "v1",
		SuccessWeight:    1.0,
		TestPassWeight:   0.5,
		LatencyPenaltyMS: 0.001,
		HumanScoreWeight: 0.05,
	}
}

// DuelConfig serves the current duel weights, reloading the YAML file when
// it changes. An fsnotify watcher drives reloads; a modification-time check
// covers environments where the watcher cannot be established.
type DuelConfig struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	weights DuelWeights
	mtime   time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewDuelConfig loads weights from path (falling back to defaults when the
// file is absent) and starts watching for changes.
func NewDuelConfig(path string, logger *slog.Logger) *DuelConfig {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DuelConfig{
		path:    path,
		logger:  logger,
		weights: DefaultDuelWeights(),
		done:    make(chan struct{}),
	}
	d.reload()

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(path); err == nil {
			d.watcher = w
			go d.watch()
		} else {
			_ = w.Close()
		}
	}
	return d
}

// Weights returns the current scoring weights, refreshing from disk if the
// file changed since the last read.
func (d *DuelConfig) Weights() DuelWeights {
	if d.watcher == nil {
		d.maybeReload()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.weights
}

// Close stops the file watcher.
func (d *DuelConfig) Close() {
	close(d.done)
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}

func (d *DuelConfig) watch() {
	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.reload()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("duel config watch error", "error", err)
		}
	}
}

func (d *DuelConfig) maybeReload() {
	st, err := os.Stat(d.path)
	if err != nil {
		return
	}
	d.mu.RLock()
	stale := st.ModTime().After(d.mtime)
	d.mu.RUnlock()
	if stale {
		d.reload()
	}
}

func (d *DuelConfig) reload() {
	weights := DefaultDuelWeights()
	var mtime time.Time

	data, err := os.ReadFile(d.path)
	if err == nil {
		var doc DuelWeights
		if err := yaml.Unmarshal(data, &doc); err != nil {
			d.logger.Warn("duel config parse failed, keeping defaults", "path", d.path, "error", err)
		} else {
			if doc.RuleVersion != "" {
				weights.RuleVersion = doc.RuleVersion
			}
			if doc.SuccessWeight != 0 {
				weights.SuccessWeight = doc.SuccessWeight
			}
			if doc.TestPassWeight != 0 {
				weights.TestPassWeight = doc.TestPassWeight
			}
			if doc.LatencyPenaltyMS != 0 {
				weights.LatencyPenaltyMS = doc.LatencyPenaltyMS
			}
			if doc.HumanScoreWeight != 0 {
				weights.HumanScoreWeight = doc.HumanScoreWeight
			}
		}
		if st, err := os.Stat(d.path); err == nil {
			mtime = st.ModTime()
		}
	}

	d.mu.Lock()
	d.weights = weights
	d.mtime = mtime
	d.mu.Unlock()
}
