// Package server exposes the HTTP API: task submission and status, SSE
// progress streams, feedback, model listings, uploads, memories, bandit
// introspection and operational endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maxwellcavalli/macs/artifacts"
	"github.com/maxwellcavalli/macs/bandit"
	"github.com/maxwellcavalli/macs/config"
	"github.com/maxwellcavalli/macs/final"
	"github.com/maxwellcavalli/macs/llm"
	"github.com/maxwellcavalli/macs/memory"
	"github.com/maxwellcavalli/macs/metrics"
	"github.com/maxwellcavalli/macs/model"
	"github.com/maxwellcavalli/macs/queue"
	"github.com/maxwellcavalli/macs/registry"
	"github.com/maxwellcavalli/macs/sse"
	"github.com/maxwellcavalli/macs/status"
	"github.com/maxwellcavalli/macs/store"
	"github.com/maxwellcavalli/macs/workspace"
	"github.com/maxwellcavalli/macs/zips"
)

// Server routes API requests to the queue, store and supporting services.
type Server struct {
	cfg       *config.Settings
	worker    *queue.Worker
	store     *store.Store
	hub       *sse.Hub
	client    *llm.Client
	registry  *registry.Registry
	publisher *artifacts.Publisher
	assembler *final.Assembler
	sandbox   *workspace.Sandbox
	recorder  *memory.Recorder
	metrics   *metrics.Metrics
	guard     *status.Guard
	limiter   *rateLimiter
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Deps are the services the server fronts.
type Deps struct {
	Settings  *config.Settings
	Worker    *queue.Worker
	Store     *store.Store
	Hub       *sse.Hub
	Client    *llm.Client
	Registry  *registry.Registry
	Publisher *artifacts.Publisher
	Assembler *final.Assembler
	Sandbox   *workspace.Sandbox
	Recorder  *memory.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New wires the routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mode := status.ParseGuardMode(deps.Settings.StatusGuardMode)
	s := &Server{
		cfg:       deps.Settings,
		worker:    deps.Worker,
		store:     deps.Store,
		hub:       deps.Hub,
		client:    deps.Client,
		registry:  deps.Registry,
		publisher: deps.Publisher,
		assembler: deps.Assembler,
		sandbox:   deps.Sandbox,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		guard:     status.NewGuard(mode, deps.Logger),
		limiter:   newRateLimiter(deps.Settings.RateRPS, deps.Settings.RateBurst),
		logger:    deps.Logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/tasks", s.auth(s.rateLimited(s.handleSubmitTask)))
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.auth(s.handleTaskStatus))
	s.mux.HandleFunc("GET /v1/tasks/{id}/stream", s.auth(s.handleTaskEvents))
	s.mux.HandleFunc("GET /v1/tasks/{id}/sse", s.auth(s.handleTaskEvents))
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.auth(s.handleTaskCancel))
	s.mux.HandleFunc("GET /v1/tasks/{id}/final", s.auth(s.handleTaskResult))
	s.mux.HandleFunc("GET /v1/tasks/{id}/result", s.auth(s.handleTaskResult))
	s.mux.HandleFunc("GET /v1/tasks/{id}/zip", s.auth(s.handleTaskZip))
	s.mux.HandleFunc("POST /v1/feedback", s.auth(s.rateLimited(s.handleFeedback)))
	s.mux.HandleFunc("GET /v1/models", s.auth(s.handleModels))
	s.mux.HandleFunc("POST /v1/uploads", s.auth(s.rateLimited(s.handleUpload)))
	s.mux.HandleFunc("POST /v1/memory/upload", s.auth(s.rateLimited(s.handleUpload)))
	s.mux.HandleFunc("GET /v1/memories", s.auth(s.handleMemories))
	s.mux.HandleFunc("GET /v1/memory/search", s.auth(s.handleMemories))
	s.mux.HandleFunc("GET /v1/memory/{id}", s.auth(s.handleMemoryGet))
	s.mux.HandleFunc("GET /v1/bandit/stats", s.auth(s.handleBanditStats))
	s.mux.HandleFunc("POST /v1/bandit/record", s.auth(s.handleBanditRecord))
	s.mux.HandleFunc("GET /v1/audit", s.auth(s.handleAudit))
	s.mux.HandleFunc("GET /v1/ratelimit/check", s.handleRateLimitCheck)
	s.mux.HandleFunc("GET /v1/ollama/health", s.handleOllamaHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.metrics != nil {
		h := s.metrics.Handler()
		if s.cfg.MetricsPublic {
			s.mux.Handle("GET /metrics", h)
		} else {
			s.mux.HandleFunc("GET /metrics", s.auth(func(w http.ResponseWriter, r *http.Request) {
				h.ServeHTTP(w, r)
			}))
		}
	}
	if s.cfg.ZipDir != "" {
		s.mux.Handle("GET /zips/", http.StripPrefix("/zips/", http.FileServer(http.Dir(s.cfg.ZipDir))))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// auth enforces the X-API-Key header when an API key is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

// rateLimited applies the caller's token bucket to mutating endpoints.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, retryMS := s.limiter.Allow(clientKey(r))
		if !ok {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", strconv.FormatInt((retryMS+999)/1000, 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    "rate limited",
				"retry_ms": retryMS,
			})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "decode task: "+err.Error())
		return
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.TemplateVer == "" {
		task.TemplateVer = "v1"
	}
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// resolve referenced memories into inline snippets before queueing
	if task.Metadata != nil && len(task.Metadata.MemoryContextIDs) > 0 && s.recorder != nil {
		for _, m := range s.recorder.Lookup(r.Context(), task.Metadata.MemoryContextIDs) {
			task.Metadata.MemoryContext = append(task.Metadata.MemoryContext, model.MemorySnippet{
				ID:      m.ID,
				Goal:    m.Goal,
				Summary: m.Summary,
				Model:   m.Model,
				Files:   m.Files,
			})
		}
	}

	taskID := task.ID.String()
	if err := s.store.InsertTask(r.Context(), taskID, string(task.Type), task.Input.Language, status.Queued, task.TemplateVer, task.CreatedAt); err != nil {
		writeError(w, http.StatusInternalServerError, "persist task: "+err.Error())
		return
	}
	if err := s.worker.Enqueue(&task); err != nil {
		_ = s.store.UpdateTaskStatus(r.Context(), taskID, status.Error, 0, "")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.hub.Publish(taskID, sse.Event{"status": status.Queued})
	s.logger.Info("task accepted", "task", taskID, "type", task.Type)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     taskID,
		"status": status.Queued,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := model.TaskStatus{
		ID:          row.ID,
		Status:      row.Status,
		ModelUsed:   row.ModelUsed.String,
		LatencyMS:   row.LatencyMS.Int64,
		TemplateVer: row.TemplateVer.String,
	}
	resp.Normalize()
	writeJSON(w, http.StatusOK, resp)
}

// handleTaskCancel is idempotent and always acknowledges.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	s.worker.Cancel(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleTaskResult waits briefly for a result that is still being
// written: a client following a done frame may beat the worker's final
// artifact flush.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deadline := time.Now().Add(s.cfg.SSEFinalWait)
	for {
		payload, err := s.assembler.Assemble(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if !errors.Is(err, final.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if time.Now().After(deadline) {
			writeError(w, http.StatusNotFound, "no result for task")
			return
		}
		select {
		case <-r.Context().Done():
			writeError(w, http.StatusNotFound, "no result for task")
			return
		case <-time.After(finalRetryInterval):
		}
	}
}

// handleTaskZip serves the packaged merge-tree archive for one task.
func (s *Server) handleTaskZip(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ZipDir == "" {
		writeError(w, http.StatusNotFound, "archives are disabled")
		return
	}
	name := filepath.Base(r.PathValue("id") + ".zip")
	path := filepath.Join(s.cfg.ZipDir, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "no archive for task")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb model.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "decode feedback: "+err.Error())
		return
	}
	if err := fb.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	taskID := fb.TaskID.String()
	if _, err := s.store.GetTask(r.Context(), taskID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}

	latency := int64(0)
	if fb.LatencyMS != nil {
		latency = int64(*fb.LatencyMS)
	}
	score := 0.0
	if fb.HumanScore != nil {
		score = float64(*fb.HumanScore)
	}
	if err := s.store.InsertReward(r.Context(), taskID, fb.Model, fb.Success, latency, score); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reward := 0.0
	if fb.Success {
		reward = 1.0
	}
	reward += 0.02 * score
	if err := s.store.UpsertBanditStat(r.Context(), fb.Model, bandit.ManualFeatureHash, reward); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.RewardsLogged.Inc()
	}
	s.logger.Info("feedback recorded", "task", taskID, "model", fb.Model, "reward", reward)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reward": reward})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.registry.Models(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if r.URL.Query().Get("debug") == "1" {
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
		return
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": names})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	repoPath := r.URL.Query().Get("repo_path")
	if repoPath == "" {
		writeError(w, http.StatusBadRequest, "repo_path query parameter is required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 11<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read archive: "+err.Error())
		return
	}
	entries, err := zips.Extract(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	stageRel, written, err := s.sandbox.StageUpload(sessionID, repoPath, entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	memoryID := ""
	if s.recorder != nil {
		if id, err := s.recorder.CaptureUpload(r.Context(), sessionID, repoPath, entries); err == nil {
			memoryID = id
		} else {
			s.logger.Warn("upload memory capture failed", "error", err)
		}
	}
	s.logger.Info("upload staged", "repo", repoPath, "files", len(written))
	resp := map[string]any{
		"staged":     stageRel,
		"files":      written,
		"file_count": len(written),
	}
	if memoryID != "" {
		resp["memory_id"] = memoryID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	mems, err := s.recorder.Search(r.Context(), store.MemoryFilter{
		RepoPath:  q.Get("repo_path"),
		SessionID: q.Get("session_id"),
		Language:  q.Get("language"),
		Query:     q.Get("q"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems, "count": len(mems)})
}

func (s *Server) handleMemoryGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMemory(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown memory")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleBanditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.BanditStats(r.Context(), r.URL.Query().Get("feature_hash"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleBanditRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model       string  `json:"model"`
		FeatureHash string  `json:"feature_hash"`
		Reward      float64 `json:"reward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusUnprocessableEntity, "model is required")
		return
	}
	if req.FeatureHash == "" {
		req.FeatureHash = bandit.ManualFeatureHash
	}
	if err := s.store.UpsertBanditStat(r.Context(), req.Model, req.FeatureHash, req.Reward); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.RecentTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := map[string]any{
			"id":         row.ID,
			"type":       row.Type,
			"status":     status.Normalize(row.Status),
			"created_at": row.CreatedAt,
		}
		if row.Language != "" {
			entry["language"] = row.Language
		}
		if row.ModelUsed.Valid {
			entry["model_used"] = row.ModelUsed.String
		}
		if row.LatencyMS.Valid {
			entry["latency_ms"] = row.LatencyMS.Int64
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	ok, retryMS := s.limiter.Peek(clientKey(r))
	writeJSON(w, http.StatusOK, map[string]any{"allowed": ok, "retry_ms": retryMS})
}

func (s *Server) handleOllamaHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.client.Healthy(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
