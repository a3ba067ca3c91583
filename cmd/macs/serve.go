package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/bandit"
	"github.com/maxwellcavalli/macs/config"
	"github.com/maxwellcavalli/macs/execbox"
	"github.com/maxwellcavalli/macs/final"
	"github.com/maxwellcavalli/macs/llm"
	"github.com/maxwellcavalli/macs/memory"
	"github.com/maxwellcavalli/macs/metrics"
	"github.com/maxwellcavalli/macs/queue"
	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/server"
	"github.com/maxwellcavalli/macs/sse"
	"github.com/maxwellcavalli/macs/status"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
	"github.com/maxwellcavalli/macs/zips"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API server and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard := status.NewGuard(status.ParseGuardMode(cfg.StatusGuardMode), logger)
	st, err := store.Open(ctx, cfg.DatabaseURL, store.WithLogger(logger), store.WithStatusGuard(guard))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := llm.NewClient(cfg.OllamaHost,
		llm.WithLogger(logger),
		llm.WithAutopull(cfg.OllamaAutopull),
		llm.WithTagCacheTTL(cfg.OllamaTagCacheTTL),
	)
	if err := client.Healthy(ctx); err != nil {
		logger.Warn("ollama not reachable at startup", "host", cfg.OllamaHost, "error", err)
	}

	regOpts := []registry.Option{registry.WithLogger(logger)}
	if cfg.GPUVRAMGB > 0 {
		regOpts = append(regOpts, registry.WithVRAMGB(cfg.GPUVRAMGB))
	}
	reg := registry.New(cfg.ModelRegistryPath, client, regOpts...)

	events, err := openEventLogs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer events.Close()

	prefs, err := bandit.LoadModePreferences(cfg.PolicyPath)
	if err != nil {
		logger.Warn("policy file unreadable, using empty preferences", "path", cfg.PolicyPath, "error", err)
	}
	policy := bandit.NewPolicy(cfg.BanditEpsilon, prefs, st, bandit.WithLogger(logger))

	sandbox, err := workspace.NewSandbox(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	publisher, err := artifacts.NewPublisher(cfg.ArtifactsDir)
	if err != nil {
		return fmt.Errorf("open artifacts dir: %w", err)
	}
	assembler, err := zips.NewAssembler(cfg.ZipDir, zips.Limits{
		MaxFiles:     cfg.ZipMaxFiles,
		MaxBytes:     cfg.ZipMaxBytes,
		MaxFileBytes: cfg.ZipMaxFileBytes,
		SkipSegments: cfg.ZipSkipSegments,
		SkipSuffixes: cfg.ZipSkipSuffixes,
	}, logger)
	if err != nil {
		return fmt.Errorf("open zip dir: %w", err)
	}

	duelCfg := config.NewDuelConfig(cfg.DuelConfigPath, logger)
	defer duelCfg.Close()

	m := metrics.New()
	hub := sse.NewHub()
	recorder := memory.NewRecorder(st, cfg.WorkspaceMemoryEnabled, logger)

	worker := queue.NewWorker(queue.Deps{
		Settings:  cfg,
		DuelCfg:   duelCfg,
		Client:    client,
		Registry:  reg,
		Policy:    policy,
		Store:     st,
		Events:    events,
		Hub:       hub,
		Sandbox:   sandbox,
		Publisher: publisher,
		Assembler: assembler,
		Runner:    execbox.NewRunner(execbox.WithLogger(logger), execbox.WithTimeout(cfg.ExecTimeout)),
		Recorder:  recorder,
		Metrics:   m,
		Logger:    logger,
	})
	go worker.Run(ctx)

	srv := server.New(server.Deps{
		Settings:  cfg,
		Worker:    worker,
		Store:     st,
		Hub:       hub,
		Client:    client,
		Registry:  reg,
		Publisher: publisher,
		Assembler: final.NewAssembler(st, publisher, logger),
		Sandbox:   sandbox,
		Recorder:  recorder,
		Metrics:   m,
		Logger:    logger,
	})

	logger.Info("macs ready", "version", Version, "addr", cfg.HTTPAddr)
	return srv.ListenAndServe(ctx)
}

// openEventLogs builds the reward event log: JSONL always, with an
// optional Postgres mirror.
func openEventLogs(ctx context.Context, cfg *config.Settings, logger *slog.Logger) (bandit.EventLog, error) {
	jsonl, err := bandit.NewJSONLLog(cfg.BanditStorePath)
	if err != nil {
		return nil, fmt.Errorf("open bandit log: %w", err)
	}
	if cfg.BanditPGDSN == "" {
		return jsonl, nil
	}
	pg, err := bandit.NewPGLog(ctx, cfg.BanditPGDSN)
	if err != nil {
		logger.Warn("bandit postgres mirror unavailable", "error", err)
		return jsonl, nil
	}
	return bandit.NewMultiLog(jsonl, pg), nil
}
