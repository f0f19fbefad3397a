package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/pkg/schema"
)

// taskNotificationMethod reuses the MCP logging notification so that any
// client surfaces it without extra support.
const taskNotificationMethod = "notifications/message"

// TaskNotifier pushes task events to the client that submitted the task.
type TaskNotifier interface {
	Notify(ctx context.Context, e schema.Event) error
}

// MCPNotifier sends task events as MCP log messages to the submitting session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates an MCPNotifier.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify is best-effort: a task whose session is gone is skipped silently.
func (n *MCPNotifier) Notify(_ context.Context, e schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(e.RunID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, taskNotificationMethod, notificationParams(e))
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// notificationParams shapes an event as notifications/message params.
// Blocked runs are raised as warnings.
func notificationParams(e schema.Event) map[string]any {
	level := "info"
	if e.Kind == schema.EventRunBlocked {
		level = "warning"
	}
	return map[string]any{
		"level":  level,
		"logger": "conductor",
		"data": map[string]any{
			"task_id":  e.RunID,
			"kind":     e.Kind,
			"sequence": e.Sequence,
			"payload":  e.Payload,
		},
	}
}
