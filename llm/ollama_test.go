package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeOllama(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithHTTPClient(srv.Client()))
}

func TestListModelsCachesTags(t *testing.T) {
	var calls atomic.Int32
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"models":[{"model":"llama3:8b"},{"model":"qwen2.5-coder:7b"}]}`)
	})

	tags, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "qwen2.5-coder:7b"}, tags)

	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call served from cache")
}

func TestListModelsStaleFallback(t *testing.T) {
	var fail atomic.Bool
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"models":[{"model":"llama3:8b"}]}`)
	})
	c.tagTTL = 0 // force refresh every call

	tags, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, tags, 1)

	fail.Store(true)
	tags, err = c.ListModels(context.Background())
	require.NoError(t, err, "stale cache served on refresh failure")
	assert.Equal(t, []string{"llama3:8b"}, tags)
}

func TestListModelsErrorWithoutCache(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	oe, ok := IsOllamaError(err)
	require.True(t, ok)
	assert.Equal(t, PhaseList, oe.Phase)
}

func TestGenerateStreams(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m1"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"hello ","done":false}`)
			fmt.Fprintln(w, `{"response":"world","done":false}`)
			fmt.Fprintln(w, `{"done":true,"eval_count":12,"prompt_eval_count":7}`)
		default:
			http.NotFound(w, r)
		}
	})

	var tokens []string
	out, stats, err := c.Generate(context.Background(), "m1", "say hi", GenerateOptions{NumCtx: 4096, Temperature: 0.2}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, []string{"hello ", "world"}, tokens)
	assert.Equal(t, 12, stats.CompletionTokens)
	assert.Equal(t, 7, stats.PromptTokens)
}

func TestGenerateMissingModelNoAutopull(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})
	_, _, err := c.Generate(context.Background(), "absent", "hi", GenerateOptions{}, nil)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestGenerateAutopull(t *testing.T) {
	var pulled atomic.Bool
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			if pulled.Load() {
				fmt.Fprint(w, `{"models":[{"model":"new-model"}]}`)
			} else {
				fmt.Fprint(w, `{"models":[]}`)
			}
		case "/api/pull":
			pulled.Store(true)
			fmt.Fprint(w, `{"status":"success"}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"ok","done":false}`)
			fmt.Fprintln(w, `{"done":true}`)
		}
	})
	c.autopull = true

	out, _, err := c.Generate(context.Background(), "new-model", "hi", GenerateOptions{}, nil)
	require.NoError(t, err)
	assert.True(t, pulled.Load())
	assert.Equal(t, "ok", out)
}

func TestGenerateInlineError(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m1"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"error":"model crashed"}`)
		}
	})
	_, _, err := c.Generate(context.Background(), "m1", "hi", GenerateOptions{}, nil)
	require.Error(t, err)
	oe, ok := IsOllamaError(err)
	require.True(t, ok)
	assert.Equal(t, PhaseGenerate, oe.Phase)
	assert.Contains(t, oe.Error(), "model crashed")
}

func TestGenerateTokenCallbackAborts(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"model":"m1"}]}`)
		case "/api/generate":
			fmt.Fprintln(w, `{"response":"a","done":false}`)
			fmt.Fprintln(w, `{"response":"b","done":false}`)
			fmt.Fprintln(w, `{"done":true}`)
		}
	})
	stop := errors.New("stop")
	out, _, err := c.Generate(context.Background(), "m1", "hi", GenerateOptions{}, func(string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "a", out)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("x"))))
	assert.False(t, IsTransient(NewFatalError(errors.New("x"))))
	assert.True(t, IsFatal(NewFatalError(errors.New("x"))))

	wrapped := NewOllamaError(PhasePull, "m", NewTransientError(errors.New("boom")))
	assert.True(t, IsTransient(wrapped))
	oe, ok := IsOllamaError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "m", oe.Model)
}

func TestHealthy(t *testing.T) {
	c := newFakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})
	assert.NoError(t, c.Healthy(context.Background()))

	down := NewClient("http://127.0.0.1:1", WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	assert.Error(t, down.Healthy(context.Background()))
}
