package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/bandit"
	"github.com/maxwellcavalli/macs/config"
	"github.com/maxwellcavalli/macs/execbox"
	"github.com/maxwellcavalli/macs/llm"
	"github.com/maxwellcavalli/macs/memory"
	"github.com/maxwellcavalli/macs/metrics"
	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/sse"
	"github.com/maxwellcavalli/macs/status"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
	"github.com/maxwellcavalli/macs/zips"
)

// ErrQueueFull is returned when the task buffer is at capacity.
var ErrQueueFull = fmt.Errorf("task queue is full")

// Deps collects the services the worker drives.
type Deps struct {
	Settings  *config.Settings
	DuelCfg   *config.DuelConfig
	Client    *llm.Client
	Registry  *registry.Registry
	Policy    *bandit.Policy
	Store     *store.Store
	Events    bandit.EventLog
	Hub       *sse.Hub
	Sandbox   *workspace.Sandbox
	Publisher *artifacts.Publisher
	Assembler *zips.Assembler
	Runner    *execbox.Runner
	Recorder  *memory.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Worker pulls tasks off an in-memory queue and runs them to completion.
type Worker struct {
	Deps
	tasks chan *model.Task

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	canceled map[string]bool
}

// NewWorker builds a Worker with a bounded in-memory queue.
func NewWorker(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		Deps:     deps,
		tasks:    make(chan *model.Task, 128),
		inflight: make(map[string]context.CancelFunc),
		canceled: make(map[string]bool),
	}
}

// Cancel stops a queued or running task. It is idempotent; terminal
// tasks are left untouched.
func (w *Worker) Cancel(ctx context.Context, taskID string) {
	w.mu.Lock()
	if w.canceled[taskID] {
		w.mu.Unlock()
		return
	}
	cancel, running := w.inflight[taskID]
	w.canceled[taskID] = true
	w.mu.Unlock()

	if !running {
		// not inflight: only a queued task may flip to canceled
		row, err := w.Store.GetTask(ctx, taskID)
		if err != nil || status.IsTerminal(status.Normalize(row.Status)) {
			return
		}
	}

	_ = w.Store.UpdateTaskStatus(ctx, taskID, status.Canceled, 0, "")
	w.publish(taskID, sse.Event{"status": status.Canceled})
	if cancel != nil {
		cancel()
	}
	w.Logger.Info("task canceled", "task", taskID)
	if w.Hub != nil {
		w.Hub.CloseTask(taskID)
	}
}

func (w *Worker) isCanceled(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled[taskID]
}

// Enqueue adds a task to the queue without blocking.
func (w *Worker) Enqueue(task *model.Task) error {
	select {
	case w.tasks <- task:
		if w.Metrics != nil {
			w.Metrics.TasksSubmitted.WithLabelValues(string(task.Type)).Inc()
			w.Metrics.QueueDepth.Set(float64(len(w.tasks)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.Logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("worker stopped")
			return
		case task := <-w.tasks:
			if w.Metrics != nil {
				w.Metrics.QueueDepth.Set(float64(len(w.tasks)))
			}
			w.process(ctx, task)
		}
	}
}

func (w *Worker) publish(taskID string, ev sse.Event) {
	if w.Hub != nil {
		w.Hub.Publish(taskID, ev)
	}
}

func (w *Worker) process(parent context.Context, task *model.Task) {
	taskID := task.ID.String()
	start := time.Now()
	log := w.Logger.With("task", taskID, "type", task.Type)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	w.mu.Lock()
	if w.canceled[taskID] {
		// canceled while still queued
		delete(w.canceled, taskID)
		w.mu.Unlock()
		return
	}
	w.inflight[taskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, taskID)
		delete(w.canceled, taskID)
		w.mu.Unlock()
	}()

	_ = w.Store.UpdateTaskStatus(ctx, taskID, status.Running, 0, "")
	w.publish(taskID, sse.Event{"status": status.Running})

	mode, clarify := InferMode(task)
	if clarify {
		w.finishClarify(ctx, task)
		return
	}
	log.Info("task running", "mode", mode)
	w.publish(taskID, sse.Event{"status": status.Running, "note": "mode:" + mode})

	// seed the merge tree from any staged upload for this session+repo
	stageRel := ""
	if task.Input.Repo.Path != "" {
		stageRel = workspace.StagingRel(task.SessionID(), task.Input.Repo.Path)
	}
	mergeRel, mergeRoot, err := w.Sandbox.EnsureMergeTree(taskID, stageRel)
	if err != nil {
		w.finishError(ctx, task, mode, start, fmt.Errorf("prepare merge tree: %w", err))
		return
	}

	features := bandit.Features{
		Language:     task.Input.Language,
		IncludeCount: len(task.Input.Repo.Include),
		TestsPresent: bandit.TestsPresent(task.Input.Goal, task.ExpectedFiles()),
		CtxTokens:    EstimateCtxTokens(BuildPrompt(task, mode, mergeRoot)),
	}
	featureHash := features.Hash()

	candidates, err := w.rankCandidates(ctx, task, mode, featureHash)
	if err != nil {
		w.finishError(ctx, task, mode, start, err)
		return
	}

	runner := &candidateRunner{
		client:   w.Client,
		registry: w.Registry,
		runner:   w.Runner,
		sandbox:  w.Sandbox,
		timeout:  w.Settings.CandidateTimeout,
		logger:   w.Logger,
		metrics:  w.Metrics,
		onToken: func(id, mdl, tok string) {
			// token-level frames keep chat UIs live
			w.publish(id, sse.Event{"status": status.Running, "model": mdl, "token": tok})
		},
	}

	strategy := w.pickStrategy(task, mode)
	var winner model.CandidateResult
	switch strategy {
	case model.StrategyDuel:
		winner = w.runDuel(ctx, runner, task, mode, mergeRoot, featureHash, candidates)
	case model.StrategyTOTBeam:
		winner = w.runTOTBeam(ctx, runner, task, mode, mergeRoot, featureHash, candidates)
	case model.StrategyTiered:
		winner = w.runTiered(ctx, runner, task, mode, mergeRoot, featureHash, candidates)
	default:
		winner = runner.run(ctx, task, mode, candidates[0], mergeRoot)
		w.recordReward(ctx, task, featureHash, &winner, true)
	}

	if w.isCanceled(taskID) {
		w.releaseSandboxes(taskID)
		return
	}
	winner.MergeRoot = mergeRel
	w.finish(ctx, task, mode, start, mergeRoot, &winner)
}

// releaseSandboxes removes the per-candidate duel directories of a task.
func (w *Worker) releaseSandboxes(taskID string) {
	if abs, ok := w.Sandbox.ResolveSafePath(".duel/" + taskID); ok {
		_ = os.RemoveAll(abs)
	}
}

// rankCandidates filters registry models by task language and ranks them
// with the bandit policy.
func (w *Worker) rankCandidates(ctx context.Context, task *model.Task, mode, featureHash string) ([]string, error) {
	models, err := w.Registry.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve models: %w", err)
	}
	lang := strings.ToLower(task.Input.Language)
	usable := models[:0]
	for _, m := range models {
		if lang == "" || len(m.Langs) == 0 || containsFold(m.Langs, lang) || mode != ModeCode {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("no model supports language %q", task.Input.Language)
	}
	ranked := w.Policy.Rank(ctx, mode, featureHash, usable)

	// explicit duel candidates jump the queue
	if task.RoutingHints != nil && len(task.RoutingHints.DuelCandidates) > 0 {
		ranked = prependKnown(task.RoutingHints.DuelCandidates, ranked)
	}
	return ranked, nil
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func prependKnown(preferred, ranked []string) []string {
	known := map[string]bool{}
	for _, r := range ranked {
		known[r] = true
	}
	out := make([]string, 0, len(ranked))
	taken := map[string]bool{}
	for _, p := range preferred {
		if known[p] && !taken[p] {
			out = append(out, p)
			taken[p] = true
		}
	}
	for _, r := range ranked {
		if !taken[r] {
			out = append(out, r)
		}
	}
	return out
}

// pickStrategy resolves the routing hints against server policy. Forced
// duels only apply to code tasks: chat, docs and planner runs stay
// single-candidate.
func (w *Worker) pickStrategy(task *model.Task, mode string) model.Strategy {
	if task.RoutingHints != nil {
		switch task.RoutingHints.Strategy {
		case model.StrategyDuel, model.StrategyTOTBeam, model.StrategyTiered, model.StrategySingle:
			return task.RoutingHints.Strategy
		}
		if task.RoutingHints.Duel {
			return model.StrategyDuel
		}
	}
	if w.Settings.ForceDuel && mode == ModeCode {
		return model.StrategyDuel
	}
	return model.StrategySingle
}

// runDuel races the top two candidates and keeps the higher-scoring one.
// Both outcomes feed the bandit.
func (w *Worker) runDuel(ctx context.Context, runner *candidateRunner, task *model.Task, mode, mergeRoot, featureHash string, candidates []string) model.CandidateResult {
	if len(candidates) < 2 {
		res := runner.run(ctx, task, mode, candidates[0], mergeRoot)
		w.recordReward(ctx, task, featureHash, &res, true)
		return res
	}
	if w.Metrics != nil {
		w.Metrics.DuelsRun.Inc()
	}

	duelCtx := ctx
	if w.Settings.DuelTimeout > 0 {
		var cancel context.CancelFunc
		duelCtx, cancel = context.WithTimeout(ctx, w.Settings.DuelTimeout)
		defer cancel()
	}

	taskID := task.ID.String()
	pair := candidates[:2]
	results := make([]model.CandidateResult, 2)
	done := make(chan int, 2)
	for i, name := range pair {
		w.publish(taskID, sse.Event{"phase": "duel", "candidate": name, "status": status.Running})
		go func(i int, name string) {
			results[i] = runner.run(duelCtx, task, mode, name, mergeRoot)
			done <- i
		}(i, name)
	}
	<-done
	<-done

	// each candidate's outcome streams before the terminal frame so
	// clients can show both sides of the duel
	for i := range results {
		r := &results[i]
		frame := sse.Event{
			"phase":     "duel",
			"candidate": r.Model,
			"status":    status.Done,
			"metrics": map[string]any{
				"success":      r.Success,
				"latency_ms":   r.LatencyMS,
				"compile_pass": r.CompilePass,
				"test_pass":    r.TestPass,
			},
		}
		if r.Tool != "" {
			frame["tool"] = r.Tool
		}
		if r.ArtifactPath != "" {
			frame["artifact"] = r.ArtifactPath
		}
		w.publish(taskID, frame)
	}

	weights := w.DuelCfg.Weights()
	winIdx := PickWinner(weights, results)
	for i := range results {
		w.recordReward(ctx, task, featureHash, &results[i], i == winIdx)
	}
	if w.Metrics != nil {
		w.Metrics.DuelWins.WithLabelValues(results[winIdx].Model).Inc()
	}
	w.Logger.Info("duel decided",
		"task", taskID,
		"winner", results[winIdx].Model,
		"loser", results[1-winIdx].Model,
		"rule_version", weights.RuleVersion)
	w.publish(taskID, sse.Event{
		"status": status.Running,
		"note":   "duel-winner:" + results[winIdx].Model,
	})
	return results[winIdx]
}

// totPlan is one candidate approach emitted by the planning phase.
type totPlan struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// runTOTBeam is a plan-then-execute search: the top-ranked model first
// drafts up to beamWidth plans as JSON, each surviving plan is realized
// by a candidate model, and the weighted score picks the frontier to
// refine at the next depth. Exploration scores stay out of the bandit
// aggregates; only the final result earns a reward.
func (w *Worker) runTOTBeam(ctx context.Context, runner *candidateRunner, task *model.Task, mode, mergeRoot, featureHash string, candidates []string) model.CandidateResult {
	width := w.Settings.TOTBeamWidth
	if width < 1 {
		width = 1
	}
	depth := w.Settings.TOTMaxDepth
	if depth < 1 {
		depth = 1
	}
	weights := w.DuelCfg.Weights()
	taskID := task.ID.String()

	plans := w.planTOT(ctx, task, candidates[0], width)
	w.publish(taskID, sse.Event{
		"status": status.Running,
		"note":   fmt.Sprintf("beam-plans:%d", len(plans)),
	})

	current := *task
	var best model.CandidateResult
	haveBest := false
	for d := 0; d < depth; d++ {
		// realize each frontier plan; with no usable plans the bare
		// goal runs once
		n := len(plans)
		if n == 0 || d > 0 {
			n = 1
		}
		if n > width {
			n = width
		}
		results := make([]model.CandidateResult, n)
		done := make(chan int, n)
		for i := 0; i < n; i++ {
			go func(i int) {
				attempt := current
				if d == 0 && i < len(plans) {
					attempt.Input.Goal = applyPlan(current.Input.Goal, plans[i])
				}
				results[i] = runner.run(ctx, &attempt, mode, candidates[i%len(candidates)], mergeRoot)
				done <- i
			}(i)
		}
		for i := 0; i < n; i++ {
			<-done
		}
		idx := PickWinner(weights, results)
		if !haveBest || DuelScore(weights, &results[idx]) > DuelScore(weights, &best) {
			best = results[idx]
			haveBest = true
		}
		w.publish(taskID, sse.Event{
			"status": status.Running,
			"note":   fmt.Sprintf("beam-depth:%d model:%s", d+1, best.Model),
		})
		if best.TestPass || mode != ModeCode {
			break
		}
		// refine: fold the current draft and its failures into the goal
		current.Input.Goal = refineGoal(task.Input.Goal, &best)
	}
	w.recordReward(ctx, task, featureHash, &best, true)
	return best
}

// planTOT asks one model for up to width plans. Any failure here just
// degrades the search to the bare goal.
func (w *Worker) planTOT(ctx context.Context, task *model.Task, planner string, width int) []totPlan {
	prompt := fmt.Sprintf(
		"You are planning how to satisfy this request before any code is written.\n\nRequest:\n%s\n\n"+
			"Reply with a JSON array of at most %d plan objects, each shaped "+
			`{"title": "...", "summary": "...", "steps": ["...", "..."]}. `+
			"Reply with JSON only, no prose.",
		clip(task.Input.Goal, 4096), width)
	output, _, err := w.Client.Generate(ctx, planner, prompt, llm.GenerateOptions{NumCtx: 8192, Temperature: 0.4}, nil)
	if err != nil {
		w.Logger.Warn("plan generation failed", "task", task.ID.String(), "model", planner, "error", err)
		return nil
	}
	return parsePlans(output, width)
}

// parsePlans decodes the planning output. Elements that fail to decode
// are dropped rather than failing the whole phase.
func parsePlans(output string, width int) []totPlan {
	if plans := decodePlanArray(output, width); len(plans) > 0 {
		return plans
	}
	// a single bare object still counts as one plan
	if i := strings.Index(output, "{"); i >= 0 {
		if j := strings.LastIndex(output, "}"); j > i {
			var one totPlan
			if json.Unmarshal([]byte(output[i:j+1]), &one) == nil && usablePlan(one) {
				return []totPlan{one}
			}
		}
	}
	return nil
}

func decodePlanArray(output string, width int) []totPlan {
	i := strings.Index(output, "[")
	j := strings.LastIndex(output, "]")
	if i < 0 || j <= i {
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(output[i:j+1]), &raws); err != nil {
		return nil
	}
	var plans []totPlan
	for _, raw := range raws {
		var p totPlan
		if json.Unmarshal(raw, &p) != nil || !usablePlan(p) {
			continue
		}
		plans = append(plans, p)
		if len(plans) == width {
			break
		}
	}
	return plans
}

func usablePlan(p totPlan) bool {
	return strings.TrimSpace(p.Title) != "" || len(p.Steps) > 0
}

// applyPlan folds one plan into the task goal for the realization run.
func applyPlan(goal string, p totPlan) string {
	var b strings.Builder
	b.WriteString(goal)
	b.WriteString("\n\nFollow this plan:\n")
	if p.Title != "" {
		b.WriteString("Title: " + p.Title + "\n")
	}
	if p.Summary != "" {
		b.WriteString("Summary: " + p.Summary + "\n")
	}
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}

func refineGoal(original string, draft *model.CandidateResult) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nA previous attempt produced the draft below. Improve it")
	if draft.Logs.StderrTail != "" {
		b.WriteString("; fix these build errors:\n")
		b.WriteString(draft.Logs.StderrTail)
	} else {
		b.WriteString(".")
	}
	b.WriteString("\n\nDraft:\n")
	b.WriteString(clip(draft.Content, 8192))
	return b.String()
}

// runTiered runs each tier in order, letting later tiers refine the
// previous output. The last tier's result wins unless an earlier tier
// already passed tests.
func (w *Worker) runTiered(ctx context.Context, runner *candidateRunner, task *model.Task, mode, mergeRoot, featureHash string, candidates []string) model.CandidateResult {
	tiers := candidates
	if task.RoutingHints != nil && len(task.RoutingHints.Tiers) > 0 {
		tiers = task.RoutingHints.Tiers
	}
	if len(tiers) > 3 {
		tiers = tiers[:3]
	}

	current := *task
	var last model.CandidateResult
	for i, name := range tiers {
		last = runner.run(ctx, &current, mode, name, mergeRoot)
		w.publish(task.ID.String(), sse.Event{
			"status": status.Running,
			"note":   fmt.Sprintf("tier:%d model:%s", i+1, name),
		})
		if last.TestPass {
			break
		}
		if i < len(tiers)-1 {
			current.Input.Goal = refineGoal(task.Input.Goal, &last)
		}
	}
	w.recordReward(ctx, task, featureHash, &last, true)
	return last
}

// recordReward writes the reward row, bandit aggregate and event-log
// entry for one candidate outcome.
func (w *Worker) recordReward(ctx context.Context, task *model.Task, featureHash string, res *model.CandidateResult, won bool) {
	taskID := task.ID.String()
	if w.isCanceled(taskID) {
		return
	}
	reward := res.Reward()
	if err := w.Store.InsertReward(ctx, taskID, res.Model, res.Success, res.LatencyMS, res.HumanScore); err != nil {
		w.Logger.Warn("reward insert failed", "task", taskID, "error", err)
	}
	if err := w.Store.UpsertBanditStat(ctx, res.Model, featureHash, reward); err != nil {
		w.Logger.Warn("bandit upsert failed", "task", taskID, "error", err)
	}
	if w.Events != nil {
		_ = w.Events.Record(ctx, bandit.Event{
			Model:  res.Model,
			Reward: reward,
			Meta: map[string]any{
				"task_type":    string(task.Type),
				"feature_hash": featureHash,
				"won":          won,
			},
		})
	}
	if w.Metrics != nil {
		w.Metrics.RewardsLogged.Inc()
	}
}

// finishClarify completes a task that needs user disambiguation. No model
// runs and no rewards are recorded.
func (w *Worker) finishClarify(ctx context.Context, task *model.Task) {
	taskID := task.ID.String()
	w.Logger.Info("task needs clarification", "task", taskID)

	_, _ = w.Publisher.Publish(taskID, map[string]string{"response.md": ClarifyMessage + "\n"})
	if err := w.Publisher.WriteResult(taskID, map[string]any{
		"status":  status.Done,
		"mode":    "clarify",
		"model":   ClarifyModel,
		"content": ClarifyMessage,
	}, nil); err != nil {
		w.Logger.Warn("result write failed", "task", taskID, "error", err)
	}
	_ = w.Store.UpdateTaskStatus(ctx, taskID, status.Done, 0, ClarifyModel)

	w.publish(taskID, sse.Event{
		"status":  status.Done,
		"model":   ClarifyModel,
		"content": ClarifyMessage,
	})
	if w.Metrics != nil {
		w.Metrics.TasksCompleted.WithLabelValues(string(task.Type), status.Done).Inc()
	}
	if w.Hub != nil {
		w.Hub.CloseTask(taskID)
	}
}

func (w *Worker) finishError(ctx context.Context, task *model.Task, mode string, start time.Time, err error) {
	taskID := task.ID.String()
	if w.isCanceled(taskID) {
		return
	}
	w.Logger.Error("task failed", "task", taskID, "error", err)
	latency := time.Since(start).Milliseconds()
	_ = w.Store.UpdateTaskStatus(ctx, taskID, status.Error, latency, "")
	if werr := w.Publisher.WriteResult(taskID, map[string]any{
		"status":     status.Error,
		"mode":       mode,
		"latency_ms": latency,
		"error":      clip(err.Error(), 2048),
	}, nil); werr != nil {
		w.Logger.Warn("result write failed", "task", taskID, "error", werr)
	}
	w.publish(taskID, sse.Event{"status": status.Error, "note": err.Error()})
	if w.Metrics != nil {
		w.Metrics.TasksCompleted.WithLabelValues(string(task.Type), status.Error).Inc()
		w.Metrics.TaskLatency.WithLabelValues(string(task.Type), mode).Observe(float64(latency) / 1000)
	}
	if w.Hub != nil {
		w.Hub.CloseTask(taskID)
	}
}

// finish publishes the winner's artifacts, assembles the result archive,
// captures the workspace memory and emits the final SSE payload.
func (w *Worker) finish(ctx context.Context, task *model.Task, mode string, start time.Time, mergeRoot string, winner *model.CandidateResult) {
	taskID := task.ID.String()
	finalStatus := status.Done
	if mode == ModeCode && !winner.Success {
		finalStatus = status.Error
	}

	// non-code output still lands as a primary artifact file
	if len(winner.Files) == 0 && winner.Content != "" {
		primary := artifacts.PrimaryRelPath(task.ExpectedFiles(), mode)
		winner.Files = map[string]string{primary: strings.TrimRight(winner.Content, "\n") + "\n"}
		winner.ArtifactPath = primary
	}

	if len(winner.Files) > 0 {
		if _, err := w.Publisher.Publish(taskID, winner.Files); err != nil {
			w.Logger.Warn("artifact publish failed", "task", taskID, "error", err)
		}
		// fold winner files into the merge tree for packaging
		if winner.MergeRoot == "" {
			winner.MergeRoot = fmt.Sprintf("runs/%s/merge", taskID)
		}
		for rel, content := range winner.Files {
			if abs, ok := w.Sandbox.ResolveSafePath(winner.MergeRoot + "/" + rel); ok {
				_ = writeFileMkdir(abs, content)
			}
		}
	}

	zipName, zipNotes := "", []string(nil)
	if mode == ModeCode && w.Assembler != nil {
		var err error
		zipName, zipNotes, err = w.Assembler.Build(taskID, mergeRoot)
		if err != nil {
			w.Logger.Warn("zip assembly failed", "task", taskID, "error", err)
		}
	}
	zipURL := ""
	if zipName != "" {
		zipURL = "/zips/" + zipName
	}
	winner.ZipURL = zipURL
	winner.ZipNotes = strings.Join(zipNotes, "; ")

	latency := time.Since(start).Milliseconds()
	_ = w.Store.UpdateTaskStatus(ctx, taskID, finalStatus, latency, winner.Model)

	if w.Recorder != nil {
		w.Recorder.CaptureTask(ctx, task, mode, winner, finalStatus, winner.ArtifactPath, zipName)
	}

	final := sse.Event{
		"status":       finalStatus,
		"model":        winner.Model,
		"latency_ms":   winner.LatencyMS,
		"compile_pass": winner.CompilePass,
		"test_pass":    winner.TestPass,
	}
	if winner.Tool != "" {
		final["tool"] = winner.Tool
	}
	if winner.ArtifactPath != "" {
		final["artifact"] = winner.ArtifactPath
	}
	if winner.Logs.StdoutTail != "" || winner.Logs.StderrTail != "" {
		final["logs"] = winner.Logs
	}
	if winner.Content != "" {
		final["content"] = winner.Content
	}
	if zipURL != "" {
		final["zip_url"] = zipURL
	}
	if winner.ZipNotes != "" {
		final["zip_notes"] = winner.ZipNotes
	}
	if len(winner.FollowUpSteps) > 0 {
		final["follow_up_steps"] = winner.FollowUpSteps
	}

	result := map[string]any{"mode": mode}
	for k, v := range final {
		result[k] = v
	}
	if err := w.Publisher.WriteResult(taskID, result, zipNotes); err != nil {
		w.Logger.Warn("result write failed", "task", taskID, "error", err)
		winner.PendingFinal = true
	}
	if winner.PendingFinal {
		final["pending_final"] = true
	}
	w.publish(taskID, final)

	if w.Metrics != nil {
		w.Metrics.TasksCompleted.WithLabelValues(string(task.Type), finalStatus).Inc()
		w.Metrics.TaskLatency.WithLabelValues(string(task.Type), mode).Observe(float64(latency) / 1000)
	}
	w.Logger.Info("task finished", "task", taskID, "status", finalStatus, "model", winner.Model, "latency_ms", latency)
	if w.Hub != nil {
		w.Hub.CloseTask(taskID)
	}
}

func writeFileMkdir(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
