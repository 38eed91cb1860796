package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// handleRun starts an act from an inline flow or a stored trigger.
func (s *ActrunServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggerID := req.GetString("trigger_id", "")
	flowRaw := mcp.ParseStringMap(req, "flow", nil)
	if (triggerID == "") == (flowRaw == nil) {
		return mcp.NewToolResultError("exactly one of flow or trigger_id is required"), nil
	}
	agentID := req.GetString("agent_id", "")
	workspaceID := req.GetString("workspace_id", "")
	inputs := map[string]any{}

	newAct := engine.NewActRequest{WorkspaceID: workspaceID}
	if triggerID != "" {
		t, err := s.store.GetTrigger(ctx, triggerID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trigger lookup failed: %v", err)), nil
		}
		if t.Schedule != nil {
			maps.Copy(inputs, t.Schedule.Inputs)
		}
		newAct.Flow = t.Flow
		newAct.Trigger = &schema.TriggerRef{ID: t.ID, Kind: schema.TriggerManual}
		if newAct.WorkspaceID == "" {
			newAct.WorkspaceID = t.WorkspaceID
		}
	} else {
		// Round-trip through JSON to get a proper FlowDefinition.
		raw, err := json.Marshal(flowRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
		}
		if err := json.Unmarshal(raw, &newAct.Flow); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
		}
		newAct.Trigger = &schema.TriggerRef{Kind: schema.TriggerManual}
	}
	maps.Copy(inputs, mcp.ParseStringMap(req, "inputs", nil))
	newAct.Inputs = inputs

	var listener engine.Listener
	if agentID != "" {
		s.captureSession(ctx, agentID)
		listener = s.notifyOnComplete(agentID)
	}

	act, err := s.acts.CreateAndStart(ctx, newAct, executors.Metadata{WorkspaceID: newAct.WorkspaceID, UserID: agentID}, listener)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("act start failed: %v", err)), nil
	}

	if !req.GetBool("wait", false) {
		return marshalResult(act)
	}
	if err := s.acts.Wait(ctx, act.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait for act %s: %v", act.ID, err)), nil
	}
	return s.status(ctx, act.ID)
}

// notifyOnComplete pushes the final status of an act to the agent that
// started it.
func (s *ActrunServer) notifyOnComplete(agentID string) engine.Listener {
	return engine.Callbacks{
		OnActComplete: func(ctx context.Context, e engine.ActEvent) error {
			if err := s.notifier.Notify(ctx, agentID, actCompletedPayload(e)); err != nil {
				logging.LogWith(ctx, s.logger).Warn("agent notification failed",
					logging.ActID(e.ActID), logging.Err(err))
			}
			return nil
		},
	}
}

// handleStatus returns the act and its generations.
func (s *ActrunServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actID, err := req.RequireString("act_id")
	if err != nil {
		return mcp.NewToolResultError("act_id is required"), nil
	}
	return s.status(ctx, actID)
}

func (s *ActrunServer) status(ctx context.Context, actID string) (*mcp.CallToolResult, error) {
	act, err := s.store.GetAct(ctx, actID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	gens, err := s.store.ListGenerations(ctx, actID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"act": act, "generations": gens})
}

// handleCancel cancels an act.
func (s *ActrunServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actID, err := req.RequireString("act_id")
	if err != nil {
		return mcp.NewToolResultError("act_id is required"), nil
	}
	if err := s.acts.Cancel(ctx, actID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "act_id": actID})
}

// handleQuery lists acts, generations, or events based on filters.
func (s *ActrunServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	var key string
	var out any
	switch resource {
	case "acts":
		key = "acts"
		out, err = s.queryActs(ctx, filter)
	case "generations":
		key = "generations"
		out, err = s.queryGenerations(ctx, filter)
	case "events":
		key = "events"
		out, err = s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return s.project(ctx, map[string]any{key: out}, req.GetString("jq", ""))
}

// handleTriggerList lists triggers.
func (s *ActrunServer) handleTriggerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	tf := store.TriggerFilter{
		Kind:        schema.TriggerKind(extractString(filter, "kind")),
		Repository:  extractString(filter, "repository"),
		EventID:     extractString(filter, "event_id"),
		WorkspaceID: extractString(filter, "workspace_id"),
		Limit:       extractInt(filter, "limit", 0),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}
	triggers, err := s.store.ListTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if triggers == nil {
		triggers = []*schema.Trigger{}
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Query helpers ---

func (s *ActrunServer) queryActs(ctx context.Context, filter map[string]any) ([]*schema.Act, error) {
	acts, err := s.store.ListActs(ctx, store.ActFilter{
		WorkspaceID: extractString(filter, "workspace_id"),
		Status:      schema.ActStatus(extractString(filter, "status")),
		FlowName:    extractString(filter, "flow"),
		TriggerID:   extractString(filter, "trigger_id"),
		Limit:       extractInt(filter, "limit", 50),
		Offset:      extractInt(filter, "offset", 0),
	})
	if acts == nil {
		acts = []*schema.Act{}
	}
	return acts, err
}

func (s *ActrunServer) queryGenerations(ctx context.Context, filter map[string]any) ([]*schema.Generation, error) {
	actID := extractString(filter, "act_id")
	if actID == "" {
		return nil, fmt.Errorf("generation query requires 'act_id' in filter")
	}
	gens, err := s.store.ListGenerations(ctx, actID)
	if err != nil {
		return nil, err
	}
	kept := make([]*schema.Generation, 0, len(gens))
	status := extractString(filter, "status")
	for _, g := range gens {
		if status == "" || string(g.Status) == status {
			kept = append(kept, g)
		}
	}
	return kept, nil
}

func (s *ActrunServer) queryEvents(ctx context.Context, filter map[string]any) ([]*store.Event, error) {
	actID := extractString(filter, "act_id")
	if actID == "" {
		return nil, fmt.Errorf("event query requires 'act_id' in filter")
	}
	events, err := s.store.GetEvents(ctx, actID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*store.Event{}
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// project applies an optional jq program to a query result.
func (s *ActrunServer) project(ctx context.Context, result map[string]any, program string) (*mcp.CallToolResult, error) {
	if program == "" {
		return marshalResult(result)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	out, err := s.jq.Evaluate(ctx, program, doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("jq failed: %v", err)), nil
	}
	return marshalResult(out)
}

// --- Internal helpers ---

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *ActrunServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
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
