// Package llm talks to a local Ollama daemon: tag discovery with a short
// cache, optional autopull of missing models, and NDJSON token streaming
// for generation.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GenerateOptions tune a single generation request.
type GenerateOptions struct {
	NumCtx      int
	Temperature float64
}

// GenerateStats summarize a completed stream.
type GenerateStats struct {
	PromptTokens     int
	CompletionTokens int
	FirstTokenMS     int64
	TotalMS          int64
}

// TokenFunc receives each streamed chunk. Returning an error aborts the
// stream.
type TokenFunc func(token string) error

// Client is an Ollama API client.
type Client struct {
	host     string
	http     *http.Client
	logger   *slog.Logger
	autopull bool
	tagTTL   time.Duration

	mu        sync.Mutex
	tags      []string
	tagsAt    time.Time
	tagsKnown bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithAutopull enables pulling models that are not yet present locally.
func WithAutopull(enabled bool) ClientOption {
	return func(c *Client) { c.autopull = enabled }
}

// WithTagCacheTTL sets how long the tag list is cached.
func WithTagCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.tagTTL = ttl }
}

// NewClient returns a client for the given host, e.g.
// http://localhost:11434.
func NewClient(host string, opts ...ClientOption) *Client {
	c := &Client{
		host:   strings.TrimSuffix(host, "/"),
		http:   &http.Client{Timeout: 0},
		logger: slog.Default(),
		tagTTL: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tagsResponse struct {
	Models []struct {
		Model string `json:"model"`
	} `json:"models"`
}

// ListModels returns the locally available model tags. Results are cached
// for the configured TTL; when the daemon is unreachable a stale cache is
// served rather than failing.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.tagsKnown && time.Since(c.tagsAt) < c.tagTTL {
		out := append([]string(nil), c.tags...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	tags, err := c.fetchTags(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.tagsKnown {
			c.logger.Warn("tag refresh failed, serving stale cache", "error", err)
			return append([]string(nil), c.tags...), nil
		}
		return nil, NewOllamaError(PhaseList, "", err)
	}

	c.mu.Lock()
	c.tags = tags
	c.tagsAt = time.Now()
	c.tagsKnown = true
	c.mu.Unlock()
	return append([]string(nil), tags...), nil
}

func (c *Client) fetchTags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewTransientError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewTransientError(fmt.Errorf("status %d", resp.StatusCode))
	}
	var doc tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(doc.Models))
	for _, m := range doc.Models {
		if m.Model != "" {
			tags = append(tags, m.Model)
		}
	}
	return tags, nil
}

// Pull downloads a model. Blocks until the pull finishes.
func (c *Client) Pull(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]any{"model": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return NewOllamaError(PhasePull, model, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("pulling model", "model", model)
	resp, err := c.http.Do(req)
	if err != nil {
		return NewOllamaError(PhasePull, model, NewTransientError(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewOllamaError(PhasePull, model, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	// model set changed, invalidate the cache
	c.mu.Lock()
	c.tagsKnown = false
	c.mu.Unlock()
	return nil
}

// EnsureModel checks the model is available locally, pulling it when
// autopull is enabled.
func (c *Client) EnsureModel(ctx context.Context, model string) error {
	tags, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if t == model {
			return nil
		}
	}
	if !c.autopull {
		return NewOllamaError(PhaseGenerate, model, NewFatalError(fmt.Errorf("model not available locally")))
	}
	return c.Pull(ctx, model)
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	Error           string `json:"error"`
}

// Generate streams a completion for prompt, invoking onToken per chunk.
// The full concatenated output and stream stats are returned when the
// daemon signals done.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts GenerateOptions, onToken TokenFunc) (string, GenerateStats, error) {
	start := time.Now()
	stats := GenerateStats{}

	if err := c.EnsureModel(ctx, model); err != nil {
		return "", stats, err
	}

	options := map[string]any{}
	if opts.NumCtx > 0 {
		options["num_ctx"] = opts.NumCtx
	}
	options["temperature"] = opts.Temperature

	body, _ := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  true,
		Options: options,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", stats, NewOllamaError(PhaseGenerate, model, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", stats, NewOllamaError(PhaseGenerate, model, NewTransientError(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", stats, NewOllamaError(PhaseGenerate, model, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return out.String(), stats, NewOllamaError(PhaseGenerate, model, fmt.Errorf("%s", chunk.Error))
		}
		if chunk.Response != "" {
			if first {
				stats.FirstTokenMS = time.Since(start).Milliseconds()
				first = false
			}
			out.WriteString(chunk.Response)
			if onToken != nil {
				if err := onToken(chunk.Response); err != nil {
					return out.String(), stats, err
				}
			}
		}
		if chunk.Done {
			stats.PromptTokens = chunk.PromptEvalCount
			stats.CompletionTokens = chunk.EvalCount
			stats.TotalMS = time.Since(start).Milliseconds()
			return out.String(), stats, nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return out.String(), stats, ctx.Err()
		}
		return out.String(), stats, NewOllamaError(PhaseGenerate, model, NewTransientError(err))
	}
	stats.TotalMS = time.Since(start).Milliseconds()
	return out.String(), stats, nil
}

// Healthy reports whether the daemon answers the tag endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.fetchTags(ctx)
	if err != nil {
		return NewOllamaError(PhaseList, "", err)
	}
	return nil
}
