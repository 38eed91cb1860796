package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// Acts runs and controls acts. Satisfied by *engine.Service.
type Acts interface {
	CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error)
	Cancel(ctx context.Context, actID string) error
	Wait(ctx context.Context, actID string) error
}

// ActrunServerDeps holds the dependencies for creating an ActrunServer.
type ActrunServerDeps struct {
	Acts    Acts
	Store   store.Store
	Logger  *slog.Logger
	Version string
}

// ActrunServer wraps an MCP server with actrun-specific tool handlers.
type ActrunServer struct {
	acts      Acts
	store     store.Store
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewActrunServer creates a new ActrunServer with all 5 tools registered.
func NewActrunServer(deps ActrunServerDeps) *ActrunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &ActrunServer{
		acts:     deps.Acts,
		store:    deps.Store,
		jq:       expressions.NewGoJQEngine(),
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if agents := s.sessions.Remove(session.SessionID()); len(agents) > 0 {
			s.logger.Debug("mcp session closed",
				slog.String("session_id", session.SessionID()),
				slog.Any("agents", agents))
		}
	})

	mcpSrv := server.NewMCPServer(
		"actrun",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("actrun runs flows of AI and GitHub steps as acts. Use act.run to start a flow or fire a trigger, act.status to follow an act, act.cancel to stop it, act.query to list acts, generations and events, and trigger.list to see configured triggers."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ActrunServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport, for mounting next to
// the REST API.
func (s *ActrunServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ActrunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *ActrunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: triggerListTool(), Handler: s.handleTriggerList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("act.run",
		mcp.WithDescription("Start an act from a flow definition or a stored trigger"),
		mcp.WithObject("flow", mcp.Description("Flow definition to run (name, sequences, inputSchema)")),
		mcp.WithString("trigger_id", mcp.Description("Run the flow of this trigger instead of an inline flow")),
		mcp.WithObject("inputs", mcp.Description("Act inputs")),
		mcp.WithString("workspace_id", mcp.Description("Workspace the act belongs to")),
		mcp.WithBoolean("wait", mcp.Description("Block until the act finishes (default: false)")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; it is notified when the act finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("act.status",
		mcp.WithDescription("Get an act with its step counters and generations"),
		mcp.WithString("act_id", mcp.Required(), mcp.Description("ID of the act to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("act.cancel",
		mcp.WithDescription("Cancel a queued or running act"),
		mcp.WithString("act_id", mcp.Required(), mcp.Description("ID of the act to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("act.query",
		mcp.WithDescription("Query acts, generations, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("acts", "generations", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workspace_id, flow, trigger_id, act_id, since, limit, offset)")),
		mcp.WithString("jq", mcp.Description("jq program applied to the result")),
	)
}

func triggerListTool() mcp.Tool {
	return mcp.NewTool("trigger.list",
		mcp.WithDescription("List configured triggers"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (kind, repository, event_id, workspace_id, enabled, limit)")),
	)
}
