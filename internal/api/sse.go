package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/conductor/pkg/schema"
)

// handleStream replays the persisted events of one run after the client's
// last seen sequence, then follows it live until the run terminates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	// Subscribe before reading the log so nothing falls between the two.
	ch, cancel, err := s.deps.Conductor.Subscribe(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	snap, err := s.deps.Conductor.Status(ctx, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	last := lastEventID(r)
	backlog, err := s.deps.Conductor.Events(ctx, runID, last)
	if err != nil {
		writeError(w, err)
		return
	}

	startSSE(w)
	for _, e := range backlog {
		writeEvent(w, *e)
		last = e.Sequence
	}
	flusher.Flush()
	if snap.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Sequence <= last {
				continue
			}
			writeEvent(w, e)
			flusher.Flush()
			last = e.Sequence
			if e.Kind == schema.EventRunCompleted || e.Kind == schema.EventRunBlocked {
				return
			}
		}
	}
}

// handleStreamAll follows the live events of every run.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}
	ch, cancel, err := s.deps.Conductor.Subscribe(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	startSSE(w)
	flusher.Flush()

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, e schema.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Kind, data)
}

// lastEventID honours the SSE reconnect header, falling back to ?since.
func lastEventID(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return queryInt64(r, "since", 0)
}
