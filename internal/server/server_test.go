package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/internal/validation"
	"github.com/rendis/actrun/internal/webhook"
	"github.com/rendis/actrun/pkg/schema"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWebhooks struct {
	verifyErr  error
	dispatched []*webhook.Delivery
}

func (f *fakeWebhooks) Verify([]byte, string) error { return f.verifyErr }

func (f *fakeWebhooks) Dispatch(_ context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	f.dispatched = append(f.dispatched, d)
	return &webhook.Result{Delivery: d.ID, EventID: d.EventID, Matched: 1, Acts: []string{"act-1"}}, nil
}

type fixture struct {
	st       *store.RedisStore
	webhooks *fakeWebhooks
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = st.Close() })

	logger := logging.Discard()
	hub := streaming.NewMemoryHub()
	fsm := engine.NewGenerationFSM(st, hub, logger)
	waiter := engine.NewWaiter(st, hub, engine.WaiterConfig{PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second}, logger)

	ex, text := executors.Standard(executors.Env{Store: st, Transitioner: fsm, Logger: logger}, executors.Collaborators{})
	t.Cleanup(text.Wait)
	d, err := executors.NewDispatcher(ex)
	require.NoError(t, err)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewFlowValidator()
	require.NoError(t, err)

	runner := engine.NewRunner(st, fsm, d, waiter, cel, engine.DefaultRunnerConfig(), logger)
	listener := engine.Listeners{engine.HubListener{Hub: hub}, engine.EventLogListener{Log: st}}
	svc := engine.NewService(st, fsm, runner, validator, listener, engine.ServiceConfig{PoolSize: 4}, logger)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	wh := &fakeWebhooks{}
	srv := NewServer(Deps{
		Acts:      svc,
		Store:     st,
		Hub:       hub,
		Webhooks:  wh,
		Validator: validator,
		Logger:    logger,
		Version:   "test",
	})
	return &fixture{st: st, webhooks: wh, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func queryFlow(t *testing.T) schema.FlowDefinition {
	t.Helper()
	cfg, err := json.Marshal(schema.QueryConfig{Engine: schema.QueryEngineExpr, Query: "1 + 2", OutputID: "sum"})
	require.NoError(t, err)
	return schema.FlowDefinition{
		Name: "math",
		Sequences: []schema.SequenceDefinition{{
			ID: "main",
			Steps: []schema.StepDefinition{{
				ID:   "add",
				Node: schema.Node{ID: "add", Content: schema.NodeContent{Type: schema.ContentQuery, Config: cfg}},
			}},
		}},
	}
}

func scheduleTrigger(t *testing.T, id string) *schema.Trigger {
	return &schema.Trigger{
		ID:       id,
		Kind:     schema.TriggerSchedule,
		Enabled:  true,
		Flow:     queryFlow(t),
		Schedule: &schema.ScheduleTriggerConfig{Cron: "*/5 * * * *"},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "actrun", resp.Service)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "healthy", resp.Status)
}

func TestCreateAct_Wait(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/acts?wait=true&timeout=5s", CreateActRequest{Flow: queryFlow(t)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	act := decode[schema.Act](t, w)
	assert.Equal(t, schema.ActStatusCompleted, act.Status)
	require.NotNil(t, act.Trigger)
	assert.Equal(t, schema.TriggerManual, act.Trigger.Kind)

	w = f.do(t, http.MethodGet, "/acts/"+act.ID+"/generations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	gens := decode[GenerationsListResponse](t, w)
	require.Equal(t, 1, gens.Count)
	out, ok := gens.Generations[0].Output("sum")
	require.True(t, ok)
	assert.JSONEq(t, "3", string(out.JSON))

	w = f.do(t, http.MethodGet, "/generations/"+gens.Generations[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/acts?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ActsListResponse](t, w).Count)
}

func TestCreateAct_Async(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/acts", CreateActRequest{Flow: queryFlow(t)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	act := decode[schema.Act](t, w)

	require.Eventually(t, func() bool {
		got, err := f.st.GetAct(context.Background(), act.ID)
		return err == nil && got.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateAct_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body any
		path string
		code string
	}{
		{name: "malformed json", body: []byte("{"), path: "/acts", code: schema.ErrCodeValidation},
		{name: "empty flow", body: CreateActRequest{}, path: "/acts", code: schema.ErrCodeValidation},
		{name: "bad timeout", body: CreateActRequest{Flow: queryFlow(t)}, path: "/acts?wait=true&timeout=soon", code: schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestGetAct_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/acts/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, schema.ErrCodeNotFound, resp.Code)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestListActs_BadPaging(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/acts?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/acts?offset=-1", nil).Code)
}

func TestCancelAct_Finished(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/acts?wait=true", CreateActRequest{Flow: queryFlow(t)})
	require.Equal(t, http.StatusOK, w.Code)
	act := decode[schema.Act](t, w)

	w = f.do(t, http.MethodPost, "/acts/"+act.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTriggers_CRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/triggers", scheduleTrigger(t, "nightly"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[schema.Trigger](t, w)
	assert.Equal(t, "nightly", created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	w = f.do(t, http.MethodPost, "/triggers", scheduleTrigger(t, "nightly"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/triggers?kind=schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[TriggersListResponse](t, w).Count)

	disabled := false
	w = f.do(t, http.MethodPatch, "/triggers/nightly", UpdateTriggerRequest{Enabled: &disabled})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[schema.Trigger](t, w).Enabled)

	w = f.do(t, http.MethodGet, "/triggers?enabled=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[TriggersListResponse](t, w).Count)

	w = f.do(t, http.MethodDelete, "/triggers/nightly", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/triggers/nightly", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTrigger_AssignsID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/triggers", scheduleTrigger(t, ""))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[schema.Trigger](t, w).ID)
}

func TestCreateTrigger_Invalid(t *testing.T) {
	f := newFixture(t)
	trig := scheduleTrigger(t, "broken")
	trig.Schedule.Cron = "every day"

	w := f.do(t, http.MethodPost, "/triggers", trig)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, schema.ErrCodeValidation, decode[ErrorResponse](t, w).Code)
}

func TestUpdateTrigger_Empty(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPatch, "/triggers/any", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunTrigger(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.CreateTrigger(context.Background(), scheduleTrigger(t, "nightly")))

	w := f.do(t, http.MethodPost, "/triggers/nightly/run?wait=true", RunTriggerRequest{UserID: "u1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	act := decode[schema.Act](t, w)
	assert.Equal(t, schema.ActStatusCompleted, act.Status)
	require.NotNil(t, act.Trigger)
	assert.Equal(t, "nightly", act.Trigger.ID)
	assert.Equal(t, schema.TriggerManual, act.Trigger.Kind)

	w = f.do(t, http.MethodGet, "/acts?trigger=nightly", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ActsListResponse](t, w).Count)

	w = f.do(t, http.MethodPost, "/triggers/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamActEvents_Replay(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/acts?wait=true", CreateActRequest{Flow: queryFlow(t)})
	require.Equal(t, http.StatusOK, w.Code)
	act := decode[schema.Act](t, w)

	require.Eventually(t, func() bool {
		events, err := f.st.GetEvents(context.Background(), act.ID, 0)
		return err == nil && len(events) > 0 && events[len(events)-1].Type == store.EventActCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodGet, "/acts/"+act.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: "+store.EventSequenceStarted)
	assert.Contains(t, body, "event: "+store.EventActCompleted)
	assert.Contains(t, body, "id: ")
}

func TestStreamActEvents_Errors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/acts/missing/events", nil).Code)

	w := f.do(t, http.MethodPost, "/acts?wait=true", CreateActRequest{Flow: queryFlow(t)})
	act := decode[schema.Act](t, w)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/acts/"+act.ID+"/events?since=x", nil).Code)
}

func issuePayload() []byte {
	return []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 42},
		"issue": {"title": "crash", "body": "boom"}
	}`)
}

func TestGitHubWebhook(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/webhooks/github", issuePayload(),
		webhook.EventHeader, "issues", webhook.DeliveryHeader, "d-1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[WebhookResponse](t, w)
	assert.False(t, resp.Ignored)
	require.NotNil(t, resp.Result)
	assert.Equal(t, []string{"act-1"}, resp.Result.Acts)

	require.Len(t, f.webhooks.dispatched, 1)
	d := f.webhooks.dispatched[0]
	assert.Equal(t, "d-1", d.ID)
	assert.Equal(t, schema.EventIssueCreated, d.EventID)
	assert.Equal(t, "acme/widgets", d.Repository)
	assert.Equal(t, int64(42), d.InstallationID)
}

func TestGitHubWebhook_NotDispatched(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		body      []byte
		verifyErr error
		status    int
		ignored   bool
	}{
		{
			name:      "bad signature",
			event:     "issues",
			body:      issuePayload(),
			verifyErr: schema.NewError(schema.ErrCodeSignatureInvalid, "signature mismatch"),
			status:    http.StatusUnauthorized,
		},
		{name: "ping", event: "ping", body: []byte(`{"zen":"hi"}`), status: http.StatusOK, ignored: true},
		{name: "unhandled event", event: "star", body: []byte(`{"action":"created"}`), status: http.StatusAccepted, ignored: true},
		{name: "not json", event: "issues", body: []byte("nope"), status: http.StatusBadRequest},
		{name: "no repository", event: "issues", body: []byte(`{"action":"opened"}`), status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.webhooks.verifyErr = tt.verifyErr

			w := f.do(t, http.MethodPost, "/webhooks/github", tt.body, webhook.EventHeader, tt.event)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.ignored {
				assert.True(t, decode[WebhookResponse](t, w).Ignored)
			}
			assert.Empty(t, f.webhooks.dispatched)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{schema.NewError(schema.ErrCodeNotFound, "x"), http.StatusNotFound},
		{schema.NewError(schema.ErrCodeValidation, "x"), http.StatusBadRequest},
		{schema.NewError(schema.ErrCodeCycleDetected, "x"), http.StatusBadRequest},
		{schema.NewError(schema.ErrCodeConflict, "x"), http.StatusConflict},
		{schema.NewError(schema.ErrCodeInvalidTransition, "x"), http.StatusConflict},
		{schema.NewError(schema.ErrCodeSignatureInvalid, "x"), http.StatusUnauthorized},
		{schema.NewError(schema.ErrCodeTimeout, "x"), http.StatusGatewayTimeout},
		{schema.NewError(schema.ErrCodeStore, "x"), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
