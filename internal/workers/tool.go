package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/conductor/pkg/schema"
)

const (
	defaultToolArgument   = "objective"
	defaultHandshakeLimit = 10 * time.Second
	maxReconnectDelay     = time.Minute
)

// ToolConfig describes a capability served by one tool of an external MCP
// server launched as a subprocess over stdio.
type ToolConfig struct {
	Capability  schema.Capability `mapstructure:"capability" yaml:"capability"`
	Description string            `mapstructure:"description" yaml:"description"`
	Command     string            `mapstructure:"command" yaml:"command"`
	Args        []string          `mapstructure:"args" yaml:"args"`
	Env         []string          `mapstructure:"env" yaml:"env"`
	Tool        string            `mapstructure:"tool" yaml:"tool"`
	// Argument is the tool argument that receives the item objective.
	Argument string `mapstructure:"argument" yaml:"argument"`
	// HandshakeTimeout bounds initialize + tools/list. Zero means 10s.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// toolClient is the part of an MCP client the tool worker uses.
type toolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc starts a server and returns a connected, uninitialized client.
type dialFunc func(ctx context.Context) (toolClient, error)

// ToolWorker executes agenda items by calling an MCP tool. The server is
// started on first use. A transport failure drops the connection; the next
// call restarts the server after a backoff that grows with consecutive
// failures.
type ToolWorker struct {
	cfg    ToolConfig
	dial   dialFunc
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	conn     toolClient
	failures int
	nextDial time.Time
	closed   bool
}

// NewToolWorker validates cfg. The server is not started until the first call.
func NewToolWorker(cfg ToolConfig, logger *slog.Logger) (*ToolWorker, error) {
	if cfg.Command == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool worker %q has no command", cfg.Capability)
	}
	dial := func(ctx context.Context) (toolClient, error) {
		c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return newToolWorker(cfg, dial, logger)
}

func newToolWorker(cfg ToolConfig, dial dialFunc, logger *slog.Logger) (*ToolWorker, error) {
	if cfg.Capability == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool worker capability is empty")
	}
	if cfg.Tool == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool worker %q has no tool name", cfg.Capability)
	}
	if cfg.Argument == "" {
		cfg.Argument = defaultToolArgument
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolWorker{cfg: cfg, dial: dial, logger: logger, now: time.Now}, nil
}

func (w *ToolWorker) Capability() schema.Capability { return w.cfg.Capability }

func (w *ToolWorker) Describe() string {
	if w.cfg.Description != "" {
		return w.cfg.Description
	}
	return fmt.Sprintf("Calls the %q tool of the %s MCP server with the item objective.", w.cfg.Tool, w.cfg.Command)
}

func (w *ToolWorker) Execute(ctx context.Context, req Request) (*Output, error) {
	objective := strings.TrimSpace(req.Objective)
	if objective == "" {
		return nil, execError("objective is empty")
	}
	if req.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Budget.Timeout)
		defer cancel()
	}

	conn, err := w.connect(ctx)
	if err != nil {
		return nil, err
	}

	args := map[string]any{w.cfg.Argument: objective}
	if len(req.SuccessCriteria) > 0 {
		args["success_criteria"] = req.SuccessCriteria
	}
	var call mcp.CallToolRequest
	call.Params.Name = w.cfg.Tool
	call.Params.Arguments = args

	res, err := conn.CallTool(ctx, call)
	if err != nil {
		if ctx.Err() == nil {
			w.drop(conn, err)
		}
		return nil, execError("call tool %s: %v", w.cfg.Tool, err).WithCause(err)
	}

	text := toolText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, execError("tool %s: %s", w.cfg.Tool, text)
	}

	out := &Output{Content: text, ContentType: "text/plain", Steps: 1}
	if res.StructuredContent != nil {
		data, mErr := json.Marshal(res.StructuredContent)
		if mErr == nil {
			out.Data = data
			if out.Content == "" {
				out.Content = string(data)
				out.ContentType = "application/json"
			}
		}
	}
	if out.Content == "" {
		return nil, execError("tool %s returned no content", w.cfg.Tool)
	}
	return out, nil
}

// connect returns the live client, starting the server when there is none.
func (w *ToolWorker) connect(ctx context.Context) (toolClient, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "capability %q is shut down", w.cfg.Capability)
	}
	if w.conn != nil {
		return w.conn, nil
	}
	if wait := w.nextDial.Sub(w.now()); wait > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
			"tool server for %q restarting in %s", w.cfg.Capability, wait.Round(time.Millisecond))
	}

	conn, err := w.handshake(ctx)
	if err != nil {
		w.failures++
		w.nextDial = w.now().Add(reconnectDelay(w.failures))
		w.logger.Warn("tool server unavailable",
			slog.String("capability", string(w.cfg.Capability)),
			slog.Int("consecutive_errors", w.failures),
			slog.String("error", err.Error()))
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "start tool server for %q: %v", w.cfg.Capability, err).WithCause(err)
	}
	w.conn = conn
	w.failures = 0
	w.logger.Info("tool server connected",
		slog.String("capability", string(w.cfg.Capability)),
		slog.String("tool", w.cfg.Tool))
	return conn, nil
}

func (w *ToolWorker) handshake(ctx context.Context) (toolClient, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}

	var init mcp.InitializeRequest
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "1.0.0"}
	if _, err := conn.Initialize(ctx, init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	tools, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	for _, t := range tools.Tools {
		if t.Name == w.cfg.Tool {
			return conn, nil
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("server does not offer tool %q", w.cfg.Tool)
}

// drop closes conn if it is still the live client.
func (w *ToolWorker) drop(conn toolClient, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != conn {
		return
	}
	w.conn = nil
	w.failures++
	w.nextDial = w.now().Add(reconnectDelay(w.failures))
	_ = conn.Close()
	w.logger.Warn("tool server connection dropped",
		slog.String("capability", string(w.cfg.Capability)),
		slog.String("error", cause.Error()))
}

// Close stops the server. Later calls fail with CAPABILITY_UNAVAILABLE.
func (w *ToolWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// reconnectDelay is min(1s * 2^(failures-1), 1m).
func reconnectDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(time.Second) * math.Pow(2, float64(failures-1))
	return time.Duration(math.Min(d, float64(maxReconnectDelay)))
}

func toolText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t := strings.TrimSpace(mcp.GetTextFromContent(c)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
