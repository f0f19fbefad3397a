package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/pkg/schema"
)

func TestNewConductorServer(t *testing.T) {
	s := NewConductorServer(ConductorServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewConductorServer(ConductorServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"conductor.submit",
		"conductor.status",
		"conductor.events",
		"conductor.cancel",
		"conductor.diagram",
	} {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"submit", "conductor.submit", "Submit an objective for orchestrated execution"},
		{"status", "conductor.status", "Get the current snapshot of a task"},
		{"events", "conductor.events", "List the events of a task in sequence order"},
		{"cancel", "conductor.cancel", "Cancel a running task"},
		{"diagram", "conductor.diagram", "Draw the agenda of a task as a dependency graph"},
	}

	s := NewConductorServer(ConductorServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) Notify(_ context.Context, e schema.Event) error {
	r.calls = append(r.calls, e.RunID)
	return nil
}

func TestNotifyTerminal(t *testing.T) {
	s := NewConductorServer(ConductorServerDeps{Conductor: newMockConductor()})
	rec := &recordingNotifier{}
	s.notifier = rec
	s.sessions.Register("task-1", "session-1")

	ctx := context.Background()
	s.notifyTerminal(ctx, schema.Event{RunID: "task-1", Kind: schema.EventItemReady})
	assert.Empty(t, rec.calls, "only terminal events are pushed")
	assert.Equal(t, 1, s.sessions.Len())

	s.notifyTerminal(ctx, schema.Event{RunID: "task-1", Kind: schema.EventRunBlocked, Payload: json.RawMessage(`{"block_reason":"x"}`)})
	assert.Equal(t, []string{"task-1"}, rec.calls)
	assert.Zero(t, s.sessions.Len(), "finished tasks are forgotten")
}

func TestMCPNotifier_UnknownTaskIsNoop(t *testing.T) {
	s := NewConductorServer(ConductorServerDeps{})
	n := NewMCPNotifier(s.MCPServer(), s.sessions)
	assert.NoError(t, n.Notify(context.Background(), schema.Event{RunID: "nobody", Kind: schema.EventRunCompleted}))
}

func TestMCPNotifier_ExpiredSessionIsDropped(t *testing.T) {
	s := NewConductorServer(ConductorServerDeps{})
	s.sessions.Register("task-1", "gone")
	n := NewMCPNotifier(s.MCPServer(), s.sessions)

	assert.NoError(t, n.Notify(context.Background(), schema.Event{RunID: "task-1", Kind: schema.EventRunCompleted}))
	_, ok := s.sessions.SessionFor("task-1")
	assert.False(t, ok)
}

func TestNotificationParams(t *testing.T) {
	e := schema.Event{RunID: "task-1", Sequence: 9, Kind: schema.EventRunBlocked, Payload: json.RawMessage(`{"block_reason":"x"}`)}
	params := notificationParams(e)
	assert.Equal(t, "warning", params["level"])
	assert.Equal(t, "conductor", params["logger"])

	data, ok := params["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", data["task_id"])
	assert.EqualValues(t, 9, data["sequence"])
	assert.Equal(t, schema.EventRunBlocked, data["kind"])

	e.Kind = schema.EventRunCompleted
	assert.Equal(t, "info", notificationParams(e)["level"])
}
