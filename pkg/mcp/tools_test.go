package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// --- Mock Acts ---

type mockActs struct {
	st        store.Store
	reqs      []engine.NewActRequest
	mds       []executors.Metadata
	listeners []engine.Listener
	startErr  error
	cancelErr error
	cancelled []string
	waited    []string
}

func (m *mockActs) CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.reqs = append(m.reqs, req)
	m.mds = append(m.mds, md)
	m.listeners = append(m.listeners, l)
	act, gens, err := engine.NewAct(req, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	for _, g := range gens {
		if err := m.st.SetGeneration(ctx, g); err != nil {
			return nil, err
		}
	}
	return act, m.st.SetAct(ctx, act)
}

func (m *mockActs) Cancel(_ context.Context, actID string) error {
	m.cancelled = append(m.cancelled, actID)
	return m.cancelErr
}

func (m *mockActs) Wait(_ context.Context, actID string) error {
	m.waited = append(m.waited, actID)
	return nil
}

type fakeNotifier struct {
	agent   string
	payload map[string]any
}

func (f *fakeNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	f.agent, f.payload = agentID, payload
	return nil
}

// --- Helpers ---

func newTestServer(t *testing.T) (*ActrunServer, *mockActs, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = st.Close() })

	acts := &mockActs{st: st}
	s := NewActrunServer(ActrunServerDeps{Acts: acts, Store: st, Logger: logging.Discard()})
	return s, acts, st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func flowArg(t *testing.T) map[string]any {
	t.Helper()
	flow := schema.FlowDefinition{
		Name: "greet",
		Sequences: []schema.SequenceDefinition{{
			ID: "main",
			Steps: []schema.StepDefinition{{
				ID: "hello",
				Node: schema.Node{ID: "hello", Content: schema.NodeContent{
					Type:   schema.ContentQuery,
					Config: json.RawMessage(`{"engine":"expr","query":"'hi'"}`),
				}},
			}},
		}},
	}
	raw, err := json.Marshal(flow)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestRunTool_InlineFlow(t *testing.T) {
	s, acts, _ := newTestServer(t)

	req := buildRequest("act.run", map[string]any{
		"flow":         flowArg(t),
		"inputs":       map[string]any{"name": "ada"},
		"workspace_id": "ws-1",
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, acts.reqs, 1)
	got := acts.reqs[0]
	assert.Equal(t, "greet", got.Flow.Name)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, map[string]any{"name": "ada"}, got.Inputs)
	require.NotNil(t, got.Trigger)
	assert.Equal(t, schema.TriggerManual, got.Trigger.Kind)
	assert.Nil(t, acts.listeners[0])

	var act schema.Act
	unmarshalResult(t, result, &act)
	assert.Equal(t, "greet", act.FlowName)
	assert.Empty(t, acts.waited)
}

func TestRunTool_FromTrigger(t *testing.T) {
	s, acts, st := newTestServer(t)
	ctx := context.Background()

	flow := schema.FlowDefinition{}
	raw, err := json.Marshal(flowArg(t))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &flow))
	require.NoError(t, st.CreateTrigger(ctx, &schema.Trigger{
		ID:          "nightly",
		WorkspaceID: "ws-9",
		Kind:        schema.TriggerSchedule,
		Flow:        flow,
		Schedule:    &schema.ScheduleTriggerConfig{Cron: "@daily", Inputs: map[string]any{"name": "default", "lang": "en"}},
	}))

	req := buildRequest("act.run", map[string]any{
		"trigger_id": "nightly",
		"inputs":     map[string]any{"name": "override"},
	})
	result, err := s.handleRun(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, acts.reqs, 1)
	got := acts.reqs[0]
	assert.Equal(t, "ws-9", got.WorkspaceID)
	assert.Equal(t, map[string]any{"name": "override", "lang": "en"}, got.Inputs)
	assert.Equal(t, "nightly", got.Trigger.ID)
	assert.Equal(t, schema.TriggerManual, got.Trigger.Kind)
}

func TestRunTool_Wait(t *testing.T) {
	s, acts, _ := newTestServer(t)

	req := buildRequest("act.run", map[string]any{"flow": flowArg(t), "wait": true})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, acts.waited, 1)
	var status struct {
		Act         schema.Act           `json:"act"`
		Generations []*schema.Generation `json:"generations"`
	}
	unmarshalResult(t, result, &status)
	assert.Equal(t, acts.waited[0], status.Act.ID)
	assert.Len(t, status.Generations, 1)
}

func TestRunTool_NotifiesAgent(t *testing.T) {
	s, acts, _ := newTestServer(t)
	notifier := &fakeNotifier{}
	s.notifier = notifier

	req := buildRequest("act.run", map[string]any{"flow": flowArg(t), "agent_id": "agent-1"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "agent-1", acts.mds[0].UserID)

	l := acts.listeners[0]
	require.NotNil(t, l)
	require.NoError(t, l.ActComplete(context.Background(), engine.ActEvent{
		ActID:  "act-1",
		Status: schema.ActStatusFailed,
		Err:    errors.New("step boom failed"),
	}))
	assert.Equal(t, "agent-1", notifier.agent)
	assert.Equal(t, "act-1", notifier.payload["act_id"])
	assert.Equal(t, true, notifier.payload["failed"])
	assert.Equal(t, "step boom failed", notifier.payload["error"])
}

func TestRunTool_Rejects(t *testing.T) {
	s, acts, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"neither flow nor trigger", map[string]any{}},
		{"both flow and trigger", map[string]any{"flow": flowArg(t), "trigger_id": "x"}},
		{"unknown trigger", map[string]any{"trigger_id": "missing"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleRun(context.Background(), buildRequest("act.run", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
	assert.Empty(t, acts.reqs)

	acts.startErr = schema.NewError(schema.ErrCodeValidation, "bad flow")
	result, err := s.handleRun(context.Background(), buildRequest("act.run", map[string]any{"flow": flowArg(t)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "bad flow")
}

func TestStatusTool(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	run, err := s.handleRun(ctx, buildRequest("act.run", map[string]any{"flow": flowArg(t)}))
	require.NoError(t, err)
	var act schema.Act
	unmarshalResult(t, run, &act)

	result, err := s.handleStatus(ctx, buildRequest("act.status", map[string]any{"act_id": act.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, act.ID)
	assert.Contains(t, text, "queued")

	result, err = s.handleStatus(ctx, buildRequest("act.status", map[string]any{"act_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(ctx, buildRequest("act.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	s, acts, _ := newTestServer(t)

	result, err := s.handleCancel(context.Background(), buildRequest("act.cancel", map[string]any{"act_id": "a1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"a1"}, acts.cancelled)

	acts.cancelErr = schema.NewError(schema.ErrCodeConflict, "act is already completed")
	result, err = s.handleCancel(context.Background(), buildRequest("act.cancel", map[string]any{"act_id": "a1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	s, _, st := newTestServer(t)
	ctx := context.Background()

	run, err := s.handleRun(ctx, buildRequest("act.run", map[string]any{"flow": flowArg(t)}))
	require.NoError(t, err)
	var act schema.Act
	unmarshalResult(t, run, &act)
	require.NoError(t, st.AppendEvent(ctx, &store.Event{ActID: act.ID, Type: store.EventSequenceStarted}))
	require.NoError(t, st.AppendEvent(ctx, &store.Event{ActID: act.ID, Type: store.EventActCompleted}))

	t.Run("acts", func(t *testing.T) {
		result, err := s.handleQuery(ctx, buildRequest("act.query", map[string]any{
			"resource": "acts",
			"filter":   map[string]any{"status": "queued"},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		var out struct {
			Acts []schema.Act `json:"acts"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Acts, 1)
		assert.Equal(t, act.ID, out.Acts[0].ID)
	})

	t.Run("generations", func(t *testing.T) {
		result, err := s.handleQuery(ctx, buildRequest("act.query", map[string]any{
			"resource": "generations",
			"filter":   map[string]any{"act_id": act.ID},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		assert.Contains(t, extractText(t, result), act.Sequences[0].Steps[0].GenerationID)
	})

	t.Run("events with limit", func(t *testing.T) {
		result, err := s.handleQuery(ctx, buildRequest("act.query", map[string]any{
			"resource": "events",
			"filter":   map[string]any{"act_id": act.ID, "limit": float64(1)},
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		var out struct {
			Events []store.Event `json:"events"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Events, 1)
		assert.Equal(t, store.EventSequenceStarted, out.Events[0].Type)
	})

	t.Run("jq projection", func(t *testing.T) {
		result, err := s.handleQuery(ctx, buildRequest("act.query", map[string]any{
			"resource": "acts",
			"jq":       "[.acts[].id]",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		var ids []string
		unmarshalResult(t, result, &ids)
		assert.Equal(t, []string{act.ID}, ids)
	})

	t.Run("errors", func(t *testing.T) {
		for _, args := range []map[string]any{
			{},
			{"resource": "templates"},
			{"resource": "generations"},
			{"resource": "events"},
			{"resource": "acts", "jq": ".acts["},
		} {
			result, err := s.handleQuery(ctx, buildRequest("act.query", args))
			require.NoError(t, err)
			assert.True(t, result.IsError, "%v", args)
		}
	})
}

func TestTriggerListTool(t *testing.T) {
	s, _, st := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateTrigger(ctx, &schema.Trigger{ID: "on", Kind: schema.TriggerManual, Enabled: true}))
	require.NoError(t, st.CreateTrigger(ctx, &schema.Trigger{ID: "off", Kind: schema.TriggerManual}))

	result, err := s.handleTriggerList(ctx, buildRequest("trigger.list", map[string]any{
		"filter": map[string]any{"enabled": true},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Triggers []schema.Trigger `json:"triggers"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Triggers, 1)
	assert.Equal(t, "on", out.Triggers[0].ID)

	result, err = s.handleTriggerList(ctx, buildRequest("trigger.list", nil))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Triggers, 2)
}
