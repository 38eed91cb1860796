package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/pkg/schema"
)

// ActNotificationMethod is the MCP method act completions are pushed on.
const ActNotificationMethod = "notifications/act"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the agent's session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, ActNotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// actCompletedPayload is the notification body for a finished act.
func actCompletedPayload(e engine.ActEvent) map[string]any {
	payload := map[string]any{
		"type":     "act.completed",
		"act_id":   e.ActID,
		"status":   e.Status,
		"steps":    e.Steps,
		"duration": e.Duration,
		"failed":   e.Status == schema.ActStatusFailed,
	}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	return payload
}
