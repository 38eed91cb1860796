package executors

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

const testActID = "act-1"

// recordingFSM persists every transition and remembers the path each
// generation took.
type recordingFSM struct {
	st *store.RedisStore

	mu    sync.Mutex
	paths map[string][]schema.GenerationStatus
}

func (f *recordingFSM) Transition(ctx context.Context, gen *schema.Generation, to schema.GenerationStatus, updates ...func(*schema.Generation)) error {
	next := gen.Clone()
	next.Status = to
	for _, u := range updates {
		u(next)
	}
	if err := f.st.SetGeneration(ctx, next); err != nil {
		return err
	}
	scope := next.Context.Origin.Scope()
	nodeID := next.Context.OperationNode.ID
	idx, err := f.st.GetNodeGenerationIndex(ctx, scope, nodeID)
	if schema.IsNotFound(err) {
		idx, err = &schema.NodeGenerationIndex{Scope: scope, NodeID: nodeID}, nil
	}
	if err != nil {
		return err
	}
	idx.Upsert(next)
	if err := f.st.SetNodeGenerationIndex(ctx, idx); err != nil {
		return err
	}

	f.mu.Lock()
	f.paths[gen.ID] = append(f.paths[gen.ID], to)
	f.mu.Unlock()
	*gen = *next
	return nil
}

func (f *recordingFSM) path(id string) []schema.GenerationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.GenerationStatus(nil), f.paths[id]...)
}

type secretMap map[string]string

func (m secretMap) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(v), nil
}

type fixture struct {
	st  *store.RedisStore
	fsm *recordingFSM
	env Env
}

func newFixture(t *testing.T, secrets expressions.SecretResolver) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = st.Close() })

	fsm := &recordingFSM{st: st, paths: map[string][]schema.GenerationStatus{}}
	return &fixture{
		st:  st,
		fsm: fsm,
		env: Env{
			Store:        st,
			Transitioner: fsm,
			Interpolator: expressions.NewInterpolator(secrets),
			Logger:       logging.Discard(),
		},
	}
}

func (f *fixture) putAct(t *testing.T, inputs map[string]any, trigger *schema.TriggerRef) {
	t.Helper()
	act := &schema.Act{
		ID:        testActID,
		FlowName:  "test-flow",
		Status:    schema.ActStatusRunning,
		Inputs:    inputs,
		Trigger:   trigger,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.st.SetAct(context.Background(), act))
}

func (f *fixture) queued(t *testing.T, id string, n schema.Node, inputs map[string]any, sources ...schema.Node) *schema.Generation {
	t.Helper()
	gen := &schema.Generation{
		ID:     id,
		Status: schema.GenerationQueued,
		Context: schema.GenerationContext{
			OperationNode: n,
			SourceNodes:   sources,
			Inputs:        inputs,
			Origin:        schema.GenerationOrigin{Type: schema.OriginAct, ActID: testActID},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.st.SetGeneration(context.Background(), gen))
	return gen
}

// completedSource records a finished generation for n so later steps can
// read its outputs.
func (f *fixture) completedSource(t *testing.T, id string, n schema.Node, outputs ...schema.Output) {
	t.Helper()
	gen := f.queued(t, id, n, nil)
	require.NoError(t, f.fsm.Transition(context.Background(), gen, schema.GenerationRunning))
	require.NoError(t, f.fsm.Transition(context.Background(), gen, schema.GenerationCompleted, func(g *schema.Generation) {
		g.Outputs = outputs
	}))
}

func (f *fixture) stored(t *testing.T, id string) *schema.Generation {
	t.Helper()
	gen, err := f.st.GetGeneration(context.Background(), id)
	require.NoError(t, err)
	return gen
}

func node(t *testing.T, id string, ct schema.ContentType, cfg any) schema.Node {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return schema.Node{ID: id, Name: id, Content: schema.NodeContent{Type: ct, Config: raw}}
}

func testResilience() *Resilience {
	return &Resilience{
		Policy:   RetryPolicy{MaxAttempts: 3},
		Breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
	}
}

var (
	running   = schema.GenerationRunning
	requested = schema.GenerationRequested
	completed = schema.GenerationCompleted
	failed    = schema.GenerationFailed
	cancelled = schema.GenerationCancelled
)
