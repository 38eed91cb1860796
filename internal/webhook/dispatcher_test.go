package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

type fixture struct {
	st      *store.RedisStore
	service *engine.Service
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

	runner := engine.NewRunner(st, fsm, d, waiter, cel, engine.DefaultRunnerConfig(), logger)
	svc := engine.NewService(st, fsm, runner, nil, nil, engine.ServiceConfig{PoolSize: 4}, logger)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &fixture{st: st, service: svc}
}

func triggerFlow(t *testing.T) schema.FlowDefinition {
	t.Helper()
	cfg, err := json.Marshal(schema.TriggerNodeConfig{Outputs: []schema.OutputMapping{{ID: "title", Path: "issue.title"}}})
	require.NoError(t, err)
	return schema.FlowDefinition{
		Name: "triage",
		Sequences: []schema.SequenceDefinition{{
			ID: "main",
			Steps: []schema.StepDefinition{{
				ID:   "event",
				Node: schema.Node{ID: "event", Content: schema.NodeContent{Type: schema.ContentTrigger, Config: cfg}},
			}},
		}},
	}
}

func (f *fixture) addTrigger(t *testing.T, id string, created time.Time, gh schema.GitHubTriggerConfig) {
	t.Helper()
	if gh.EventID == "" {
		gh.EventID = schema.EventIssueCreated
	}
	if gh.Repository == "" {
		gh.Repository = "acme/widgets"
	}
	require.NoError(t, f.st.CreateTrigger(context.Background(), &schema.Trigger{
		ID:        id,
		Kind:      schema.TriggerGitHub,
		Enabled:   true,
		Flow:      triggerFlow(t),
		GitHub:    &gh,
		CreatedAt: created,
	}))
}

const issueOpened = `{
	"action": "opened",
	"installation": {"id": 42},
	"repository": {"full_name": "acme/widgets"},
	"issue": {"title": "crash on start", "body": "hey @triage-bot please look", "labels": [{"name": "bug"}]}
}`

func delivery(t *testing.T, body string) *Delivery {
	t.Helper()
	d, err := ParseDelivery("issues", "dlv-1", []byte(body))
	require.NoError(t, err)
	return d
}

// faultyStarter breaks chosen triggers before handing the rest to the engine.
type faultyStarter struct {
	next   ActStarter
	panics map[string]bool
	errs   map[string]error
}

func (s *faultyStarter) CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error) {
	if s.panics[req.Trigger.ID] {
		panic("boom")
	}
	if err := s.errs[req.Trigger.ID]; err != nil {
		return nil, err
	}
	return s.next.CreateAndStart(ctx, req, md, l)
}

func TestDispatch_IsolatesFailingTrigger(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC()
	f.addTrigger(t, "t1", base, schema.GitHubTriggerConfig{})
	f.addTrigger(t, "t2", base.Add(time.Second), schema.GitHubTriggerConfig{})

	starter := &faultyStarter{next: f.service, panics: map[string]bool{"t2": true}}
	d := NewDispatcher(f.st, starter, nil, Config{}, logging.Discard())

	res, err := d.Dispatch(context.Background(), delivery(t, issueOpened))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	require.Len(t, res.Acts, 1)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "t2", res.Failures[0].TriggerID)
	assert.Contains(t, res.Failures[0].Error, "boom")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Wait(ctx, res.Acts[0]))

	act, err := f.st.GetAct(context.Background(), res.Acts[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActStatusCompleted, act.Status)
	require.NotNil(t, act.Trigger)
	assert.Equal(t, "t1", act.Trigger.ID)
	assert.Equal(t, schema.EventIssueCreated, act.Trigger.EventID)
	assert.Equal(t, "dlv-1", act.Trigger.Delivery)
	assert.Equal(t, "acme/widgets", act.Inputs["repository"])

	gen, err := f.st.GetGeneration(context.Background(), act.Sequences[0].Steps[0].GenerationID)
	require.NoError(t, err)
	out, ok := gen.Output("title")
	require.True(t, ok)
	assert.Equal(t, "crash on start", out.Value())

	t1, err := f.st.GetTrigger(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "started", t1.LastRunStatus)
	assert.NotNil(t, t1.LastRunAt)
	t2, err := f.st.GetTrigger(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "error", t2.LastRunStatus)
}

func TestDispatch_StarterErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(t, "t1", time.Now().UTC(), schema.GitHubTriggerConfig{})

	starter := &faultyStarter{next: f.service, errs: map[string]error{"t1": errors.New("store down")}}
	d := NewDispatcher(f.st, starter, nil, Config{}, logging.Discard())

	res, err := d.Dispatch(context.Background(), delivery(t, issueOpened))
	require.NoError(t, err)
	assert.Empty(t, res.Acts)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "store down", res.Failures[0].Error)
}

func TestDispatch_Filters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     schema.GitHubTriggerConfig
		enabled bool
		matched int
	}{
		{name: "plain", cfg: schema.GitHubTriggerConfig{}, enabled: true, matched: 1},
		{name: "disabled", cfg: schema.GitHubTriggerConfig{}, enabled: false, matched: 0},
		{name: "other repository", cfg: schema.GitHubTriggerConfig{Repository: "acme/gadgets"}, enabled: true, matched: 0},
		{name: "other event", cfg: schema.GitHubTriggerConfig{EventID: schema.EventIssueClosed}, enabled: true, matched: 0},
		{name: "installation match", cfg: schema.GitHubTriggerConfig{InstallationID: 42}, enabled: true, matched: 1},
		{name: "installation mismatch", cfg: schema.GitHubTriggerConfig{InstallationID: 7}, enabled: true, matched: 0},
		{name: "callsign mentioned", cfg: schema.GitHubTriggerConfig{Callsign: "@Triage-Bot"}, enabled: true, matched: 1},
		{name: "callsign prefix only", cfg: schema.GitHubTriggerConfig{Callsign: "triage"}, enabled: true, matched: 0},
		{name: "label present", cfg: schema.GitHubTriggerConfig{Labels: []string{"docs", "bug"}}, enabled: true, matched: 1},
		{name: "label absent", cfg: schema.GitHubTriggerConfig{Labels: []string{"docs"}}, enabled: true, matched: 0},
		{name: "condition true", cfg: schema.GitHubTriggerConfig{Condition: `"bug" in labels && payload.issue.title contains "crash"`}, enabled: true, matched: 1},
		{name: "condition false", cfg: schema.GitHubTriggerConfig{Condition: `action == "closed"`}, enabled: true, matched: 0},
		{name: "condition broken", cfg: schema.GitHubTriggerConfig{Condition: `labels ===`}, enabled: true, matched: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addTrigger(t, "t1", time.Now().UTC(), tt.cfg)
			if !tt.enabled {
				require.NoError(t, f.st.UpdateTrigger(context.Background(), "t1", store.TriggerUpdate{Enabled: &tt.enabled}))
			}
			d := NewDispatcher(f.st, f.service, nil, Config{}, logging.Discard())

			res, err := d.Dispatch(context.Background(), delivery(t, issueOpened))
			require.NoError(t, err)
			assert.Equal(t, tt.matched, res.Matched)
			assert.Len(t, res.Acts, tt.matched)
		})
	}
}

func TestDispatcher_Verify(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, Config{Secret: []byte("s3cret")}, logging.Discard())
	body := []byte(issueOpened)

	require.NoError(t, d.Verify(body, Sign([]byte("s3cret"), body)))
	err := d.Verify(body, Sign([]byte("other"), body))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSignatureInvalid))
}
