package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Conductor is the run-management surface exposed as MCP tools.
type Conductor interface {
	Submit(ctx context.Context, sub schema.Submission) (*schema.SubmitResult, error)
	Status(ctx context.Context, runID string) (*schema.RunSnapshot, error)
	Wait(ctx context.Context, runID string) (*schema.RunSnapshot, error)
	Cancel(ctx context.Context, runID, reason string) error
	Events(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	Subscribe(ctx context.Context, runID string) (<-chan schema.Event, func(), error)
}

var _ Conductor = (*engine.Manager)(nil)

// ConductorServerDeps holds the dependencies for creating a ConductorServer.
type ConductorServerDeps struct {
	Conductor Conductor
	Logger    *slog.Logger
}

// ConductorServer wraps an MCP server with the conductor tool handlers.
type ConductorServer struct {
	conductor Conductor
	validator *validation.PayloadValidator
	sessions  *SessionRegistry
	notifier  TaskNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConductorServer creates a ConductorServer with all tools registered.
func NewConductorServer(deps ConductorServerDeps) *ConductorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConductorServer{
		conductor: deps.Conductor,
		validator: validation.MustPayloadValidator(),
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"conductor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Conductor runs an objective to completion by planning work items and dispatching them to capability workers. Use conductor.submit to start a task, conductor.status to read its state or wait for it, conductor.events to page through its event log, conductor.cancel to stop it, and conductor.diagram to draw its agenda."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Terminal events of tasks submitted over this connection are
// pushed to the submitting session.
func (s *ConductorServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watchTerminal(ctx)

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConductorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// watchTerminal forwards run.completed and run.blocked to the session that
// submitted the task.
func (s *ConductorServer) watchTerminal(ctx context.Context) {
	ch, unsubscribe, err := s.conductor.Subscribe(ctx, "")
	if err != nil {
		s.logger.Warn("task notifications disabled", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.notifyTerminal(ctx, e)
		}
	}
}

func (s *ConductorServer) notifyTerminal(ctx context.Context, e schema.Event) {
	if e.Kind != schema.EventRunCompleted && e.Kind != schema.EventRunBlocked {
		return
	}
	defer s.sessions.Forget(e.RunID)
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Debug("task notification failed", slog.String("task_id", e.RunID), slog.String("error", err.Error()))
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ConductorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("conductor.submit",
		mcp.WithDescription("Submit an objective for orchestrated execution"),
		mcp.WithString("objective", mcp.Required(), mcp.Description("Natural-language objective to achieve")),
		mcp.WithString("context_id", mcp.Required(), mcp.Description("Caller conversation or document the task belongs to")),
		mcp.WithString("output_mode",
			mcp.Enum(string(schema.OutputModeAuto), string(schema.OutputModeMarkdownReport), string(schema.OutputModeSummary)),
			mcp.Description("How the result is presented (default: auto)"),
		),
		mcp.WithArray("worker_plan",
			mcp.Description("Optional explicit agenda; each item needs capability and objective, and may set a key that dependencies of other items refer to, plus priority and success_criteria"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithString("correlation_id", mcp.Description("Caller correlation id echoed on every event")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conductor.status",
		mcp.WithDescription("Get the current snapshot of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID returned by conductor.submit")),
		mcp.WithNumber("wait_seconds", mcp.Description("Block up to this many seconds for the task to finish")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("conductor.events",
		mcp.WithDescription("List the events of a task in sequence order"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID returned by conductor.submit")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 200)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conductor.cancel",
		mcp.WithDescription("Cancel a running task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID returned by conductor.submit")),
		mcp.WithString("reason", mcp.Description("Recorded in the block reason")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("conductor.diagram",
		mcp.WithDescription("Draw the agenda of a task as a dependency graph"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID returned by conductor.submit")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii"), mcp.Description("Diagram format (default: mermaid)")),
	)
}
