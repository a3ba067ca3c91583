package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/execbox"
	"github.com/maxwellcavalli/macs/llm"
	"github.com/maxwellcavalli/macs/metrics"
	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/workspace"
)

// safeModelName turns a model tag into a directory-safe token.
func safeModelName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", "-", "_").Replace(name)
}

// candidateRunner executes one model against one task inside its own
// sandbox directory.
type candidateRunner struct {
	client   *llm.Client
	registry *registry.Registry
	runner   *execbox.Runner
	sandbox  *workspace.Sandbox
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onToken  func(taskID, model, token string)
}

// sandboxRel is where a candidate's extracted files land.
func sandboxRel(taskID, modelName string) string {
	return fmt.Sprintf(".duel/%s/%s", taskID, safeModelName(modelName))
}

// run generates with one model, extracts its files into the candidate
// sandbox, and verifies Java output. Ollama failures and timeouts are
// folded into the result instead of aborting the strategy.
func (c *candidateRunner) run(ctx context.Context, task *model.Task, mode, modelName, mergeRoot string) model.CandidateResult {
	start := time.Now()
	result := model.CandidateResult{Model: modelName}

	info, _ := c.registry.Lookup(ctx, modelName)
	result.SpeedRank = info.SpeedRank
	numCtx := info.CtxSize
	if numCtx <= 0 {
		numCtx = 8192
	}

	prompt := BuildPrompt(task, mode, mergeRoot)
	taskID := task.ID.String()

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var onTok llm.TokenFunc
	if c.onToken != nil {
		onTok = func(tok string) error {
			c.onToken(taskID, modelName, tok)
			return nil
		}
	}
	output, stats, err := c.client.Generate(genCtx, modelName, prompt,
		llm.GenerateOptions{NumCtx: numCtx, Temperature: 0.2}, onTok)

	result.LatencyMS = time.Since(start).Milliseconds()
	result.FirstTokenMS = stats.FirstTokenMS
	result.PromptTokens = stats.PromptTokens
	result.CompletionTokens = stats.CompletionTokens

	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			sec := int(c.timeout.Seconds())
			return model.CandidateResult{
				Model:     modelName,
				Tool:      "timeout",
				LatencyMS: int64(sec) * 1000,
				SpeedRank: result.SpeedRank,
				Logs:      model.CandidateLogs{StderrTail: fmt.Sprintf("candidate timed out after %ds", sec)},
			}
		}
		if oe, ok := llm.IsOllamaError(err); ok {
			c.logger.Warn("candidate generation failed", "task", taskID, "model", modelName, "error", err)
			if c.metrics != nil {
				c.metrics.OllamaErrors.WithLabelValues(string(oe.Phase)).Inc()
			}
			result.Content = "// ollama error: " + oe.Error()
			return result
		}
		result.Content = "// generation error: " + err.Error()
		return result
	}

	result.Content = output

	if mode != ModeCode {
		// non-code runs have no build step; non-empty output is the
		// compile-equivalent signal so the bandit reward lands at 0.5
		result.CompilePass = strings.TrimSpace(output) != ""
		result.Success = result.CompilePass
		result.Tool = mode
		return result
	}

	files := artifacts.ExtractFiles(output)
	if len(files) == 0 {
		// no fenced files: treat the whole output as the primary artifact
		primary := artifacts.PrimaryRelPath(task.ExpectedFiles(), mode)
		files = map[string]string{primary: strings.TrimRight(output, "\n") + "\n"}
	}
	if strings.EqualFold(task.Input.Language, "java") {
		pkg := packageHint(task)
		files = rebaseJavaFiles(files, pkg)
		kinds := detectComponents(task.Input.Goal, task.ExpectedFiles())
		result.MissingComponents, result.FollowUpSteps = coverComponents(files, kinds, pkg)
	}
	result.Files = files
	result.ArtifactPath = artifacts.PrimaryRelPath(task.ExpectedFiles(), mode)

	rel := sandboxRel(taskID, modelName)
	dir, err := c.sandbox.PrepareDirectory(rel)
	if err != nil {
		result.Logs.StderrTail = "sandbox: " + err.Error()
		return result
	}
	result.SandboxRoot = dir
	if mergeRoot != "" {
		if err := workspace.CopyInto(mergeRoot, dir); err != nil {
			c.logger.Warn("merge seed failed", "task", taskID, "error", err)
		}
	}
	for frel, content := range files {
		target, ok := c.sandbox.ResolveSafePath(rel + "/" + frel)
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			continue
		}
		_ = os.WriteFile(target, []byte(content), 0o644)
	}

	if strings.EqualFold(task.Input.Language, "java") {
		outcome := verifyJava(ctx, c.runner, dir)
		result.Tool = outcome.Tool
		result.CompilePass = outcome.CompilePass
		result.TestPass = outcome.TestPass
		result.Logs = outcome.Logs
		result.Success = outcome.CompilePass
	} else {
		result.CompilePass = len(files) > 0
		result.Success = result.CompilePass
		result.Tool = "code"
	}
	return result
}
