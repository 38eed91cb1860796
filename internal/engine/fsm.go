package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

// ValidGenerationTransitions defines the allowed generation status changes.
var ValidGenerationTransitions = map[schema.GenerationStatus][]schema.GenerationStatus{
	schema.GenerationCreated:   {schema.GenerationQueued, schema.GenerationCancelled},
	schema.GenerationQueued:    {schema.GenerationRequested, schema.GenerationRunning, schema.GenerationFailed, schema.GenerationCancelled},
	schema.GenerationRequested: {schema.GenerationRunning, schema.GenerationFailed, schema.GenerationCancelled},
	schema.GenerationRunning:   {schema.GenerationCompleted, schema.GenerationFailed, schema.GenerationCancelled},
	schema.GenerationCompleted: {},
	schema.GenerationFailed:    {},
	schema.GenerationCancelled: {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.GenerationStatus) bool {
	return slices.Contains(ValidGenerationTransitions[from], to)
}

// GenerationStore is the slice of the store the FSM writes to.
type GenerationStore interface {
	GetGeneration(ctx context.Context, id string) (*schema.Generation, error)
	SetGeneration(ctx context.Context, gen *schema.Generation) error
	GetNodeGenerationIndex(ctx context.Context, scope, nodeID string) (*schema.NodeGenerationIndex, error)
	SetNodeGenerationIndex(ctx context.Context, idx *schema.NodeGenerationIndex) error
}

// TransitionHook is called before or after a generation transition. A
// before hook that fails aborts the transition.
type TransitionHook func(ctx context.Context, gen *schema.Generation, from, to schema.GenerationStatus) error

type hookKey struct {
	from, to schema.GenerationStatus
}

// GenerationFSM validates, persists and publishes generation transitions.
// Each transition stamps only its own timestamp, records the new state in
// the node generation index and publishes a "generation.<status>" event.
type GenerationFSM struct {
	store  GenerationStore
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook

	// indexMu serializes read-modify-write of node indexes.
	indexMu sync.Mutex
	// locks serialize transitions of one generation; ids are striped.
	locks [64]sync.Mutex
}

// NewGenerationFSM creates an FSM over st. hub may be nil.
func NewGenerationFSM(st GenerationStore, hub streaming.EventHub, logger *slog.Logger) *GenerationFSM {
	if hub == nil {
		hub = streaming.NopHub{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationFSM{
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before from -> to is persisted.
func (f *GenerationFSM) OnBefore(from, to schema.GenerationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook run after from -> to is persisted.
func (f *GenerationFSM) OnAfter(from, to schema.GenerationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// Transition moves gen to status to. The current state is re-read from the
// store under a per-generation lock, so a stale copy cannot overwrite a
// newer write; a generation that is already terminal is never moved and
// the call fails with CONFLICT. updates are applied to the new state before
// it is written. gen is replaced with the stored state in either case.
func (f *GenerationFSM) Transition(ctx context.Context, gen *schema.Generation, to schema.GenerationStatus, updates ...func(*schema.Generation)) error {
	lock := f.lockFor(gen.ID)
	lock.Lock()
	next, from, err := f.advance(ctx, gen, to, updates)
	lock.Unlock()
	if err != nil {
		return err
	}
	*gen = *next

	f.publish(ctx, next)

	f.mu.RLock()
	after := f.after[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range after {
		if err := hook(ctx, gen, from, to); err != nil {
			return err
		}
	}
	return nil
}

// advance validates and persists one transition. Callers hold the
// generation's lock.
func (f *GenerationFSM) advance(ctx context.Context, gen *schema.Generation, to schema.GenerationStatus, updates []func(*schema.Generation)) (*schema.Generation, schema.GenerationStatus, error) {
	base := gen
	stored, err := f.store.GetGeneration(ctx, gen.ID)
	switch {
	case err == nil:
		base = stored
	case schema.IsNotFound(err):
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeStore, "load generation %s: %s", gen.ID, err.Error()).
			WithAct(gen.Context.Origin.ActID).WithCause(err)
	}

	from := base.Status
	if from.IsTerminal() {
		*gen = *base
		return nil, from, schema.NewErrorf(schema.ErrCodeConflict,
			"generation %s is already %s", gen.ID, from).
			WithAct(gen.Context.Origin.ActID).
			WithDetails(map[string]any{"generation_id": gen.ID, "from": string(from), "to": string(to)})
	}
	if !CanTransition(from, to) {
		return nil, from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid generation transition: %s -> %s", from, to).
			WithAct(gen.Context.Origin.ActID).
			WithDetails(map[string]any{"generation_id": gen.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	before := f.before[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range before {
		if err := hook(ctx, base, from, to); err != nil {
			return nil, from, err
		}
	}

	next := base.Clone()
	for _, u := range updates {
		u(next)
	}
	now := f.now()
	next.Status = to
	next.UpdatedAt = now
	stamp(next, to, now)

	if err := f.store.SetGeneration(ctx, next); err != nil {
		return nil, from, schema.NewErrorf(schema.ErrCodeStore, "persist generation %s: %s", gen.ID, err.Error()).
			WithAct(gen.Context.Origin.ActID).WithCause(err)
	}
	if err := f.index(ctx, next); err != nil {
		return nil, from, err
	}
	return next, from, nil
}

func (f *GenerationFSM) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &f.locks[h.Sum32()%uint32(len(f.locks))]
}

// IsSettled reports whether err is a transition refused because the
// generation had already finished.
func IsSettled(err error) bool {
	return schema.HasCode(err, schema.ErrCodeConflict)
}

// Create persists a new generation in the created status and records it in
// its node index.
func (f *GenerationFSM) Create(ctx context.Context, gen *schema.Generation) error {
	if gen.Status == "" {
		gen.Status = schema.GenerationCreated
	}
	if gen.Status != schema.GenerationCreated {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "new generation %s must be created, got %s", gen.ID, gen.Status)
	}
	now := f.now()
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now
	}
	gen.UpdatedAt = now
	if err := f.store.SetGeneration(ctx, gen); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist generation %s: %s", gen.ID, err.Error()).
			WithAct(gen.Context.Origin.ActID).WithCause(err)
	}
	return f.index(ctx, gen)
}

// Cancel moves a non-terminal generation to cancelled. It is a no-op for a
// generation that already finished.
func (f *GenerationFSM) Cancel(ctx context.Context, gen *schema.Generation) error {
	if gen.Status.IsTerminal() {
		return nil
	}
	if err := f.Transition(ctx, gen, schema.GenerationCancelled); err != nil && !IsSettled(err) {
		return err
	}
	return nil
}

// Fail moves a non-terminal generation to failed with the given error.
func (f *GenerationFSM) Fail(ctx context.Context, gen *schema.Generation, name, message string) error {
	if gen.Status.IsTerminal() {
		return nil
	}
	if gen.Status == schema.GenerationCreated {
		return f.Cancel(ctx, gen)
	}
	err := f.Transition(ctx, gen, schema.GenerationFailed, func(g *schema.Generation) {
		g.Error = &schema.GenerationError{Name: name, Message: message}
	})
	if err != nil && !IsSettled(err) {
		return err
	}
	return nil
}

func stamp(g *schema.Generation, to schema.GenerationStatus, now time.Time) {
	t := now
	switch to {
	case schema.GenerationQueued:
		g.QueuedAt = &t
	case schema.GenerationRequested:
		g.RequestedAt = &t
	case schema.GenerationRunning:
		g.StartedAt = &t
	case schema.GenerationCompleted:
		g.CompletedAt = &t
	case schema.GenerationFailed:
		g.FailedAt = &t
	case schema.GenerationCancelled:
		g.CancelledAt = &t
	}
}

func (f *GenerationFSM) index(ctx context.Context, gen *schema.Generation) error {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()

	scope := gen.Context.Origin.Scope()
	nodeID := gen.Context.OperationNode.ID
	idx, err := f.store.GetNodeGenerationIndex(ctx, scope, nodeID)
	switch {
	case schema.IsNotFound(err):
		idx = &schema.NodeGenerationIndex{Scope: scope, NodeID: nodeID}
	case err != nil:
		return schema.NewErrorf(schema.ErrCodeStore, "load node index %s/%s: %s", scope, nodeID, err.Error()).WithCause(err)
	}
	idx.Upsert(gen)
	if err := f.store.SetNodeGenerationIndex(ctx, idx); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist node index %s/%s: %s", scope, nodeID, err.Error()).WithCause(err)
	}
	return nil
}

func (f *GenerationFSM) publish(ctx context.Context, gen *schema.Generation) {
	origin := gen.Context.Origin
	err := f.hub.Publish(ctx, streaming.StreamEvent{
		ActID:        origin.ActID,
		SequenceID:   origin.SequenceID,
		StepID:       origin.StepID,
		GenerationID: gen.ID,
		EventType:    streaming.EventGenerationPrefix + string(gen.Status),
		Payload:      gen.Clone(),
	})
	if err != nil {
		logging.LogWith(ctx, f.logger).Warn("publish generation event failed",
			logging.GenerationID(gen.ID), logging.Err(err))
	}
}
