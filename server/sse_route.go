package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maxwellcavalli/macs/final"
	"github.com/maxwellcavalli/macs/sse"
	"github.com/maxwellcavalli/macs/status"
)

// artifactPollInterval is how often the stream checks for published
// artifacts as a fallback signal that the task finished.
const artifactPollInterval = 2 * time.Second

// finalRetryInterval paces the wait for the consolidated final payload
// after a done frame.
const finalRetryInterval = 200 * time.Millisecond

// maxStreamDuration bounds one SSE connection.
const maxStreamDuration = 15 * time.Minute

// handleTaskEvents streams task progress as Server-Sent Events. Events
// come from the hub; when the hub has nothing (say, after a restart) the
// store and the artifacts directory are polled so the client still gets
// a terminal frame. The stream always ends with a [DONE] sentinel.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.SSEClients.Inc()
		defer s.metrics.SSEClients.Dec()
	}

	writeFrame := func(ev sse.Event) {
		ev = s.canonicalize(ev)
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	writeDone := func() {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
	writeHeartbeat := func() {
		fmt.Fprint(w, "event: heartbeat\ndata: ping\n\n")
		flusher.Flush()
	}

	// a task whose artifacts already exist is finished; skip streaming
	if b, live := s.hub.Lookup(taskID); !live || b.Closed() {
		if s.publisher.HasArtifacts(taskID) {
			writeFrame(sse.Event{"status": status.Done, "note": "artifacts-present"})
			writeDone()
			return
		}
	}

	events, doneCh, unsub := s.hub.Get(taskID).Subscribe()
	defer unsub()

	ctx := r.Context()
	heartbeat := time.NewTimer(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()
	artifactTick := time.NewTicker(artifactPollInterval)
	defer artifactTick.Stop()
	dbTick := time.NewTicker(s.cfg.SSEDBPollInterval)
	defer dbTick.Stop()
	deadline := time.NewTimer(maxStreamDuration)
	defer deadline.Stop()

	resetHeartbeat := func() {
		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(s.cfg.SSEHeartbeat)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			writeFrame(sse.Event{"status": status.Error, "note": "timeout"})
			writeDone()
			return

		case ev, open := <-events:
			if !open {
				select {
				case <-doneCh:
					writeDone()
				default:
					// dropped for slowness, disconnect silently
				}
				return
			}
			if isDoneFrame(ev) {
				ev = s.mergeFinal(ctx, taskID, ev)
			}
			writeFrame(ev)
			resetHeartbeat()

		case <-heartbeat.C:
			writeHeartbeat()
			heartbeat.Reset(s.cfg.SSEHeartbeat)

		case <-artifactTick.C:
			// only meaningful when the worker never wrote to this stream
			if len(s.hub.Get(taskID).History()) == 0 && s.publisher.HasArtifacts(taskID) {
				writeFrame(sse.Event{"status": status.Done, "note": "artifacts-present"})
				writeDone()
				return
			}

		case <-dbTick.C:
			if len(s.hub.Get(taskID).History()) > 0 {
				continue
			}
			row, err := s.store.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			st := status.Normalize(row.Status)
			if !status.IsTerminal(st) {
				continue
			}
			frame := sse.Event{"status": st}
			if row.ModelUsed.Valid {
				frame["model"] = row.ModelUsed.String
			}
			if row.LatencyMS.Valid {
				frame["latency_ms"] = row.LatencyMS.Int64
			}
			writeFrame(frame)
			writeDone()
			return
		}
	}
}

// isDoneFrame reports whether an event is the task-level done frame.
// Per-candidate frames carry a "phase" key and never trigger the final
// merge.
func isDoneFrame(ev sse.Event) bool {
	if _, phased := ev["phase"]; phased {
		return false
	}
	raw, ok := ev["status"].(string)
	return ok && status.Normalize(raw) == status.Done
}

// mergeFinal waits up to the configured window for the consolidated
// final payload and folds it into the done frame. A frame that goes
// out before the payload lands is marked pending_final so clients know
// to poll the final endpoint.
func (s *Server) mergeFinal(ctx context.Context, taskID string, ev sse.Event) sse.Event {
	deadline := time.Now().Add(s.cfg.SSEFinalWait)
	for {
		payload, err := s.assembler.Assemble(ctx, taskID)
		if err == nil {
			merged := make(sse.Event, len(ev)+len(payload)+1)
			for k, v := range ev {
				merged[k] = v
			}
			for k, v := range payload {
				merged[k] = v
			}
			merged["pending_final"] = false
			return merged
		}
		if !errors.Is(err, final.ErrNotFound) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ev
		case <-time.After(finalRetryInterval):
		}
	}
	out := make(sse.Event, len(ev)+1)
	for k, v := range ev {
		out[k] = v
	}
	out["pending_final"] = true
	return out
}

// canonicalize rewrites any status fields in an event according to the
// configured guard mode.
func (s *Server) canonicalize(ev sse.Event) sse.Event {
	raw, ok := ev["status"].(string)
	if !ok {
		return ev
	}
	fixed, err := s.guard.Apply(raw)
	if err != nil {
		// guard in error mode: surface the violation instead of the frame
		return sse.Event{"status": status.Error, "note": err.Error()}
	}
	out := make(sse.Event, len(ev))
	for k, v := range ev {
		out[k] = v
	}
	out["status"] = fixed
	return out
}
