package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// modelFunc is a language model backed by a function.
type modelFunc func(ctx context.Context, req executors.TextRequest) (*executors.TextResponse, error)

func (f modelFunc) Generate(ctx context.Context, req executors.TextRequest) (*executors.TextResponse, error) {
	return f(ctx, req)
}

func echoModel(usage schema.Usage) modelFunc {
	return func(_ context.Context, req executors.TextRequest) (*executors.TextResponse, error) {
		return &executors.TextResponse{Text: "echo: " + req.Prompt, Usage: usage}, nil
	}
}

type harness struct {
	st         *store.RedisStore
	hub        *streaming.MemoryHub
	fsm        *GenerationFSM
	waiter     *Waiter
	dispatcher *executors.Dispatcher
	text       *executors.TextGenerationExecutor
	cel        *expressions.CELEngine
	runner     *Runner
	service    *Service
}

type harnessOptions struct {
	model       executors.LanguageModel
	waitTimeout time.Duration
	poolSize    int
	runner      RunnerConfig
	override    func(env executors.Env, ex *executors.Executors)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{st: newTestStore(t), hub: streaming.NewMemoryHub()}
	logger := logging.Discard()

	h.fsm = NewGenerationFSM(h.st, h.hub, logger)
	timeout := opts.waitTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	h.waiter = NewWaiter(h.st, h.hub, WaiterConfig{PollInterval: 10 * time.Millisecond, Timeout: timeout}, logger)

	env := executors.Env{Store: h.st, Transitioner: h.fsm, Logger: logger}
	model := opts.model
	if model == nil {
		model = echoModel(schema.Usage{})
	}
	ex, text := executors.Standard(env, executors.Collaborators{Language: model})
	if opts.override != nil {
		opts.override(env, &ex)
	}
	h.text = text
	t.Cleanup(text.Wait)

	d, err := executors.NewDispatcher(ex)
	require.NoError(t, err)
	h.dispatcher = d

	h.cel, err = expressions.NewCELEngine()
	require.NoError(t, err)

	cfg := opts.runner
	if cfg == (RunnerConfig{}) {
		cfg = DefaultRunnerConfig()
	}
	h.runner = NewRunner(h.st, h.fsm, d, h.waiter, h.cel, cfg, logger)
	poolSize := opts.poolSize
	if poolSize == 0 {
		poolSize = 4
	}
	h.service = NewService(h.st, h.fsm, h.runner, nil, nil, ServiceConfig{PoolSize: poolSize}, logger)
	t.Cleanup(func() { _ = h.service.Shutdown(context.Background()) })
	return h
}

func (h *harness) create(t *testing.T, flow schema.FlowDefinition, inputs map[string]any) *schema.Act {
	t.Helper()
	act, err := h.service.CreateAct(context.Background(), NewActRequest{Flow: flow, Inputs: inputs})
	require.NoError(t, err)
	return act
}

func (h *harness) act(t *testing.T, id string) *schema.Act {
	t.Helper()
	act, err := h.st.GetAct(context.Background(), id)
	require.NoError(t, err)
	return act
}

func (h *harness) generation(t *testing.T, id string) *schema.Generation {
	t.Helper()
	gen, err := h.st.GetGeneration(context.Background(), id)
	require.NoError(t, err)
	return gen
}

func node(t *testing.T, id string, ct schema.ContentType, cfg any) schema.Node {
	t.Helper()
	var raw json.RawMessage
	if cfg != nil {
		var err error
		raw, err = json.Marshal(cfg)
		require.NoError(t, err)
	}
	return schema.Node{ID: id, Name: id, Content: schema.NodeContent{Type: ct, Config: raw}}
}

func entryStep(t *testing.T, id string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Node: node(t, id, schema.ContentAppEntry, nil), Inputs: map[string]any{"step": id}}
}

func textStep(t *testing.T, id, prompt string, sources ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:            id,
		Node:          node(t, id, schema.ContentTextGeneration, schema.TextGenerationConfig{Model: "test", Prompt: prompt}),
		SourceNodeIDs: sources,
	}
}

func queryStep(t *testing.T, id, query string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Node: node(t, id, schema.ContentQuery, schema.QueryConfig{Query: query})}
}

func actionStep(t *testing.T, id string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:   id,
		Node: node(t, id, schema.ContentAction, schema.ActionConfig{Command: "createIssueComment", Repository: "acme/widgets"}),
	}
}

// recorder is a Listener that remembers event names in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	steps  map[string]int
	final  *ActEvent
}

func newRecorder() *recorder {
	return &recorder{steps: map[string]int{}}
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) StepCompletions(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps[stepID]
}

func (r *recorder) SequenceStart(_ context.Context, e SequenceEvent) error {
	r.add("sequenceStart:" + e.Sequence.ID)
	return nil
}

func (r *recorder) SequenceFail(_ context.Context, e SequenceEvent) error {
	r.add("sequenceFail:" + e.Sequence.ID)
	return nil
}

func (r *recorder) SequenceComplete(_ context.Context, e SequenceEvent) error {
	r.add("sequenceComplete:" + e.Sequence.ID)
	return nil
}

func (r *recorder) SequenceSkip(_ context.Context, e SequenceEvent) error {
	r.add("sequenceSkip:" + e.Sequence.ID)
	return nil
}

func (r *recorder) StepComplete(_ context.Context, e StepEvent) error {
	r.mu.Lock()
	r.steps[e.Step.ID]++
	r.mu.Unlock()
	r.add("stepComplete:" + e.Step.ID)
	return nil
}

func (r *recorder) StepFail(_ context.Context, e StepEvent) error {
	r.add("stepFail:" + e.Step.ID)
	return nil
}

func (r *recorder) ActComplete(_ context.Context, e ActEvent) error {
	r.mu.Lock()
	r.final = &e
	r.mu.Unlock()
	r.add("actComplete:" + string(e.Status))
	return nil
}

var _ Listener = (*recorder)(nil)
