package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	defaultEventLimit = 200
	maxWait           = 10 * time.Minute
)

// handleSubmit validates the arguments as a submission and starts a task.
func (s *ConductorServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	sub, err := s.validator.DecodeSubmission(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid submission: %v", err)), nil
	}

	res, err := s.conductor.Submit(ctx, *sub)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}

	// Capture session mapping for the terminal notification.
	s.captureSession(ctx, res.TaskID)
	return marshalResult(res)
}

// handleStatus returns the snapshot of a task, optionally waiting for it to
// finish first.
func (s *ConductorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
	if wait <= 0 {
		snap, statusErr := s.conductor.Status(ctx, taskID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
		}
		return marshalResult(snap)
	}

	wait = min(wait, maxWait)
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	snap, waitErr := s.conductor.Wait(waitCtx, taskID)
	if waitErr != nil {
		if waitCtx.Err() == nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", waitErr)), nil
		}
		// Still running; report where it is.
		snap, waitErr = s.conductor.Status(ctx, taskID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", waitErr)), nil
		}
	}
	return marshalResult(snap)
}

// handleEvents pages through the event log of a task.
func (s *ConductorServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	since := int64(req.GetInt("since", 0))
	limit := req.GetInt("limit", defaultEventLimit)
	if limit <= 0 {
		limit = defaultEventLimit
	}

	events, evErr := s.conductor.Events(ctx, taskID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("events query failed: %v", evErr)), nil
	}
	more := len(events) > limit
	if more {
		events = events[:limit]
	}
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return marshalResult(map[string]any{
		"task_id":    taskID,
		"events":     events,
		"next_since": next,
		"has_more":   more,
	})
}

// handleCancel stops a running task.
func (s *ConductorServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if cancelErr := s.conductor.Cancel(ctx, taskID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":      true,
		"task_id": taskID,
		"reason":  reason,
	})
}

// handleDiagram renders the agenda of a task as mermaid or ascii text.
func (s *ConductorServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	snap, err := s.conductor.Status(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	model := diagram.FromSnapshot(snap)
	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q (want mermaid or ascii)", format)), nil
	}
}

// captureSession maps the task to the caller's MCP session for notifications.
func (s *ConductorServer) captureSession(ctx context.Context, taskID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(taskID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
