package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

const maxSubmissionBytes = 1 << 20

// taskSummary is one row of GET /v1/tasks.
type taskSummary struct {
	TaskID         string                `json:"task_id"`
	CorrelationID  string                `json:"correlation_id"`
	ContextID      string                `json:"context_id"`
	Objective      string                `json:"objective"`
	OutputMode     schema.OutputMode     `json:"output_mode"`
	TerminalStatus schema.TerminalStatus `json:"terminal_status"`
	BlockReason    string                `json:"block_reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	ArchivedAt     *time.Time            `json:"archived_at,omitempty"`
}

func summarize(r *store.Run) taskSummary {
	return taskSummary{
		TaskID:         r.ID,
		CorrelationID:  r.CorrelationID,
		ContextID:      r.ContextID,
		Objective:      r.Objective,
		OutputMode:     r.OutputMode,
		TerminalStatus: r.TerminalStatus,
		BlockReason:    r.BlockReason,
		CreatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
		ArchivedAt:     r.ArchivedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.deps.Conductor.Active(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": s.deps.Conductor.Capabilities()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes+1))
	if err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "read body: %v", err))
		return
	}
	if len(body) > maxSubmissionBytes {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "submission exceeds 1MiB"))
		return
	}
	sub, err := s.validator.DecodeSubmission(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if sub.CorrelationID == "" {
		sub.CorrelationID = r.Header.Get("X-Correlation-Id")
	}

	res, err := s.deps.Conductor.Submit(r.Context(), *sub)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+res.TaskID)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		ContextID:       q.Get("context_id"),
		IncludeArchived: q.Get("include_archived") == "true",
		Limit:           queryInt(r, "limit", 50),
		Offset:          queryInt(r, "offset", 0),
	}
	if st := q.Get("status"); st != "" {
		status := schema.TerminalStatus(st)
		if st == "running" {
			status = schema.TerminalNone
		}
		filter.TerminalStatus = &status
	}

	runs, err := s.deps.Conductor.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskSummary, len(runs))
	for i, run := range runs {
		out[i] = summarize(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Conductor.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Conductor.Cancel(r.Context(), id, strings.TrimSpace(body.Reason)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Conductor.Events(r.Context(), chi.URLParam(r, "id"), queryInt64(r, "since", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDiagram renders the agenda graph as mermaid (default), ascii or svg.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Conductor.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	model := diagram.FromSnapshot(snap)

	var (
		body        []byte
		contentType = "text/plain; charset=utf-8"
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		body = []byte(diagram.RenderMermaid(model))
	case "ascii":
		body = []byte(diagram.RenderASCII(model))
	case "svg":
		body, err = diagram.RenderSVG(r.Context(), model)
		if err != nil {
			writeError(w, err)
			return
		}
		contentType = "image/svg+xml"
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want mermaid, ascii or svg)", format))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
