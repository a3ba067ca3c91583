// Package registry resolves the set of usable models by merging a static
// models.yaml with the tags the Ollama daemon actually serves, then
// filtering by available GPU memory.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maxwellcavalli/macs/llm"
)

// ModelInfo describes one candidate model.
type ModelInfo struct {
	Name      string   `yaml:"name" json:"name"`
	CtxSize   int      `yaml:"ctx_size" json:"ctx_size"`
	SpeedRank int      `yaml:"speed_rank" json:"speed_rank"`
	Langs     []string `yaml:"langs" json:"langs"`
	MinVRAMGB float64  `yaml:"min_vram_gb" json:"min_vram_gb"`
	// Discovered marks models present on the daemon but absent from the
	// YAML file.
	Discovered bool `yaml:"-" json:"discovered,omitempty"`
	// Available marks models the daemon currently serves.
	Available bool `yaml:"-" json:"available"`
}

type registryFile struct {
	Models []ModelInfo `yaml:"models"`
}

// TagLister is the slice of the Ollama client the registry needs.
type TagLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Registry merges configured and discovered models.
type Registry struct {
	path   string
	client TagLister
	logger *slog.Logger
	vramGB float64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithVRAMGB pins the GPU memory budget instead of probing.
func WithVRAMGB(gb float64) Option {
	return func(r *Registry) { r.vramGB = gb }
}

// New returns a Registry reading path and discovering tags via client.
func New(path string, client TagLister, opts ...Option) *Registry {
	r := &Registry{
		path:   path,
		client: client,
		logger: slog.Default(),
		vramGB: -1,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// discoveredDefaults fills in a model the YAML file does not mention.
func discoveredDefaults(tag string) ModelInfo {
	return ModelInfo{
		Name:       tag,
		CtxSize:    8192,
		SpeedRank:  5,
		Langs:      []string{"java", "python", "docs", "planner"},
		MinVRAMGB:  minVRAMForTag(tag),
		Discovered: true,
		Available:  true,
	}
}

// minVRAMForTag estimates memory needs from the parameter-size suffix in
// the tag (7b, 13b, ...).
func minVRAMForTag(tag string) float64 {
	t := strings.ToLower(tag)
	switch {
	case strings.Contains(t, "70b"):
		return 40
	case strings.Contains(t, "34b"), strings.Contains(t, "33b"):
		return 20
	case strings.Contains(t, "13b"), strings.Contains(t, "14b"):
		return 10
	case strings.Contains(t, "7b"), strings.Contains(t, "8b"):
		return 5
	case strings.Contains(t, "3b"), strings.Contains(t, "4b"):
		return 3
	case strings.Contains(t, "1b"), strings.Contains(t, "0.5b"), strings.Contains(t, "1.5b"):
		return 2
	default:
		return 4
	}
}

// Models returns the merged model list: YAML entries (authoritative for
// ctx size, speed rank, langs and VRAM) plus discovered-only tags with
// defaults. Models needing more VRAM than available are dropped.
func (r *Registry) Models(ctx context.Context) ([]ModelInfo, error) {
	configured, err := r.loadFile()
	if err != nil {
		return nil, err
	}

	available := map[string]bool{}
	if r.client != nil {
		tags, err := r.client.ListModels(ctx)
		if err != nil {
			r.logger.Warn("model discovery failed, using configured list only", "error", err)
		}
		for _, t := range tags {
			available[t] = true
		}
	}

	byName := map[string]int{}
	out := make([]ModelInfo, 0, len(configured)+len(available))
	for _, m := range configured {
		m.Available = available[m.Name]
		if m.CtxSize <= 0 {
			m.CtxSize = 8192
		}
		if m.SpeedRank <= 0 {
			m.SpeedRank = 5
		}
		if m.MinVRAMGB <= 0 {
			m.MinVRAMGB = minVRAMForTag(m.Name)
		}
		byName[m.Name] = len(out)
		out = append(out, m)
	}
	for tag := range available {
		if _, seen := byName[tag]; !seen {
			out = append(out, discoveredDefaults(tag))
		}
	}

	budget := r.vramBudget()
	if budget > 0 {
		kept := out[:0]
		for _, m := range out {
			if m.MinVRAMGB <= budget {
				kept = append(kept, m)
			} else {
				r.logger.Debug("model excluded by vram budget", "model", m.Name, "min_vram_gb", m.MinVRAMGB, "budget_gb", budget)
			}
		}
		out = kept
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SpeedRank != out[j].SpeedRank {
			return out[i].SpeedRank < out[j].SpeedRank
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Lookup returns the info for one model name.
func (r *Registry) Lookup(ctx context.Context, name string) (ModelInfo, bool) {
	models, err := r.Models(ctx)
	if err != nil {
		return ModelInfo{}, false
	}
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

func (r *Registry) loadFile() ([]ModelInfo, error) {
	if r.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return doc.Models, nil
}

// vramBudget returns the usable GPU memory in GB: an explicit override,
// the GPU_VRAM_GB env var, or an nvidia-smi probe. Zero means unknown and
// disables filtering.
func (r *Registry) vramBudget() float64 {
	if r.vramGB >= 0 {
		return r.vramGB
	}
	if v := os.Getenv("GPU_VRAM_GB"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	out, err := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	first := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	mb, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return 0
	}
	return mb / 1024.0
}

var _ TagLister = (*llm.Client)(nil)
