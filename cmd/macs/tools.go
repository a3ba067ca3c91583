package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maxwellcavalli/macs/config"
	"github.com/maxwellcavalli/macs/llm"
	"github.com/maxwellcavalli/macs/memory"
	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
	"github.com/maxwellcavalli/macs/zips"
)

func modelsCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the usable models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			logger := slog.Default()
			client := llm.NewClient(cfg.OllamaHost, llm.WithLogger(logger))

			regOpts := []registry.Option{registry.WithLogger(logger)}
			if cfg.GPUVRAMGB > 0 {
				regOpts = append(regOpts, registry.WithVRAMGB(cfg.GPUVRAMGB))
			}
			reg := registry.New(cfg.ModelRegistryPath, client, regOpts...)

			models, err := reg.Models(cmd.Context())
			if err != nil {
				return err
			}
			if debug {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			for _, m := range models {
				marker := " "
				if m.Available {
					marker = "*"
				}
				fmt.Printf("%s %s (ctx %d, speed %d)\n", marker, m.Name, m.CtxSize, m.SpeedRank)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Print full model records as JSON")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		repoPath  string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "ingest <archive.zip>",
		Short: "Stage a zipped repository into the workspace and record a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoPath == "" {
				return fmt.Errorf("--repo-path is required")
			}
			cfg := config.FromEnv()
			logger := slog.Default()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			entries, err := zips.Extract(bytes.NewReader(data), int64(len(data)))
			if err != nil {
				return err
			}

			sandbox, err := workspace.NewSandbox(cfg.WorkspaceRoot)
			if err != nil {
				return fmt.Errorf("open workspace: %w", err)
			}
			stageRel, written, err := sandbox.StageUpload(sessionID, repoPath, entries)
			if err != nil {
				return err
			}
			fmt.Printf("Staged %d files under %s\n", len(written), stageRel)

			st, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			recorder := memory.NewRecorder(st, cfg.WorkspaceMemoryEnabled, logger)
			id, err := recorder.CaptureUpload(cmd.Context(), sessionID, repoPath, entries)
			if err != nil {
				return fmt.Errorf("record memory: %w", err)
			}
			if id != "" {
				fmt.Printf("Memory recorded: %s\n", id)
			}
			bootstrapped := 0
			for _, e := range entries {
				if _, err := recorder.UpsertBootstrap(cmd.Context(), sessionID, repoPath, e.RelPath, e.Content); err != nil {
					logger.Warn("bootstrap memory failed", "file", e.RelPath, "error", err)
					continue
				}
				bootstrapped++
			}
			if bootstrapped > 0 {
				fmt.Printf("Bootstrap memories: %d\n", bootstrapped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoPath, "repo-path", "", "Logical repository path the archive belongs to")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session the upload belongs to")
	return cmd
}
