// Package config provides environment-driven configuration for the
// orchestrator and file-based configuration for duel scoring weights.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the complete process configuration. Every field maps to one
// environment variable; FromEnv applies defaults for anything unset.
type Settings struct {
	// APIKey authenticates mutating API calls.
	APIKey string

	// HTTPAddr is the listen address for the API server.
	HTTPAddr string

	// WorkspaceRoot bounds all sandbox writes.
	WorkspaceRoot string
	// ArtifactsDir holds per-task result.json trees.
	ArtifactsDir string
	// ZipDir holds per-task downloadable archives.
	ZipDir string

	// DatabaseURL selects the relational backend. A postgres:// DSN uses
	// Postgres; anything else is treated as a SQLite file path.
	DatabaseURL string

	// BanditStorePath is the JSONL reward event log.
	BanditStorePath string
	// BanditPGDSN optionally mirrors reward events into Postgres.
	BanditPGDSN string
	// BanditEpsilon is the exploration probability for candidate ranking.
	BanditEpsilon float64

	// ForceDuel runs every eligible code task as a duel.
	ForceDuel bool
	// CandidateTimeout bounds a single candidate run.
	CandidateTimeout time.Duration
	// DuelTimeout bounds a full duel.
	DuelTimeout time.Duration

	// TOTBeamWidth and TOTMaxDepth bound the tree-of-thought search.
	TOTBeamWidth int
	TOTMaxDepth  int

	// SSEFinalWait bounds the wait for the final payload on a done frame.
	SSEFinalWait time.Duration
	// SSEDBPollInterval is the store polling cadence inside a stream.
	SSEDBPollInterval time.Duration
	// SSEHeartbeat is the idle interval before a heartbeat frame.
	SSEHeartbeat time.Duration

	// OllamaHost is the local model host base URL.
	OllamaHost string
	// OllamaAutopull pulls missing models on demand.
	OllamaAutopull bool
	// OllamaTagCacheTTL bounds the model tag list cache.
	OllamaTagCacheTTL time.Duration

	// ModelRegistryPath is the model capability YAML file.
	ModelRegistryPath string
	// DuelConfigPath is the duel scoring weight YAML file.
	DuelConfigPath string
	// PolicyPath is the governance policy YAML file.
	PolicyPath string

	// RateRPS and RateBurst configure the per-key token bucket.
	RateRPS   float64
	RateBurst int

	// StatusGuardMode is one of error, warn, fix, off.
	StatusGuardMode string

	// Zip assembly caps.
	ZipMaxFiles     int
	ZipMaxBytes     int64
	ZipMaxFileBytes int64
	ZipSkipSegments []string
	ZipSkipSuffixes []string

	// ExecTimeout bounds one sandboxed tool invocation.
	ExecTimeout time.Duration

	// GPUVRAMGB is a manual VRAM override for registry filtering.
	GPUVRAMGB float64

	// MetricsPublic exposes /metrics without auth.
	MetricsPublic bool

	// WorkspaceMemoryEnabled toggles the memory subsystem.
	WorkspaceMemoryEnabled bool
}

// FromEnv builds Settings from the process environment.
func FromEnv() *Settings {
	return &Settings{
		APIKey:            os.Getenv("API_KEY"),
		HTTPAddr:          envStr("HTTP_ADDR", ":8080"),
		WorkspaceRoot:     envStr("WORKSPACE_ROOT", "./workspace"),
		ArtifactsDir:      envStr("ARTIFACTS_DIR", "./artifacts"),
		ZipDir:            envStr("ZIP_DIR", "./zips"),
		DatabaseURL:       envStr("DATABASE_URL", "./data/macs.db"),
		BanditStorePath:   envStr("BANDIT_STORE_PATH", "./data/bandit.jsonl"),
		BanditPGDSN:       os.Getenv("BANDIT_PG_DSN"),
		BanditEpsilon:     envFloat("BANDIT_EPSILON", 0.1),
		ForceDuel:         envBool("FORCE_DUEL", false),
		CandidateTimeout:  envSeconds("CANDIDATE_TIMEOUT_SEC", 180),
		DuelTimeout:       envSeconds("DUEL_TIMEOUT_SEC", 120),
		TOTBeamWidth:      envInt("TOT_BEAM_WIDTH", 2),
		TOTMaxDepth:       envInt("TOT_MAX_DEPTH", 3),
		SSEFinalWait:      envSeconds("SSE_FINAL_WAIT_SECONDS", 20),
		SSEDBPollInterval: envSecondsFloat("SSE_DB_POLL_INTERVAL", 2.0),
		SSEHeartbeat:      envSeconds("SSE_HEARTBEAT_SECONDS", 10),
		OllamaHost:        strings.TrimRight(envStr("OLLAMA_HOST", "http://localhost:11434"), "/"),
		OllamaAutopull:    envBool("OLLAMA_AUTOPULL", true),
		OllamaTagCacheTTL: envSecondsFloat("OLLAMA_TAG_CACHE_TTL", 30),
		ModelRegistryPath: envStr("MODEL_REGISTRY_PATH", "./config/models.yaml"),
		DuelConfigPath:    envStr("DUEL_CONFIG_PATH", "./config/duel.yaml"),
		PolicyPath:        envStr("POLICY_PATH", "./config/policy.yaml"),
		RateRPS:           envFloat("RL_RPS", 3),
		RateBurst:         envInt("RL_BURST", 6),
		StatusGuardMode:   envStr("STATUS_GUARD_MODE", "fix"),
		ZipMaxFiles:       envInt("ZIP_MAX_FILES", 200),
		ZipMaxBytes:       envInt64("ZIP_MAX_BYTES", 20*1024*1024),
		ZipMaxFileBytes:   envInt64("ZIP_MAX_FILE_BYTES", 2*1024*1024),
		ZipSkipSegments:   envCSV("ZIP_SKIP_SEGMENTS", ".git,node_modules,target,build,.gradle,__pycache__"),
		ZipSkipSuffixes:   envCSV("ZIP_SKIP_SUFFIXES", ".class,.jar,.pyc,.zip,.log"),
		ExecTimeout:       envSeconds("EXEC_TIMEOUT_SEC", 300),
		GPUVRAMGB:         envFloat("GPU_VRAM_GB", 0),
		MetricsPublic:     envBool("METRICS_PUBLIC", false),

		WorkspaceMemoryEnabled: envBool("WORKSPACE_MEMORY_ENABLED", true),
	}
}

// Validate checks the settings the server cannot run without.
func (s *Settings) Validate() error {
	if s.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	if s.ArtifactsDir == "" {
		return fmt.Errorf("ARTIFACTS_DIR is required")
	}
	if s.BanditEpsilon < 0 || s.BanditEpsilon > 1 {
		return fmt.Errorf("BANDIT_EPSILON must be within [0, 1]")
	}
	if s.TOTBeamWidth < 1 {
		return fmt.Errorf("TOT_BEAM_WIDTH must be at least 1")
	}
	if s.TOTMaxDepth < 1 {
		return fmt.Errorf("TOT_MAX_DEPTH must be at least 1")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envSecondsFloat(key string, def float64) time.Duration {
	return time.Duration(envFloat(key, def) * float64(time.Second))
}

func envCSV(key, def string) []string {
	raw := envStr(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
