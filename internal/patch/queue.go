package patch

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/actrun/pkg/schema"
)

// ActStore is the slice of the store a Queue needs.
type ActStore interface {
	GetAct(ctx context.Context, id string) (*schema.Act, error)
	SetAct(ctx context.Context, act *schema.Act) error
}

// FlushPolicy controls when a run writes its queued patches.
type FlushPolicy string

const (
	// FlushOnComplete writes all patches once, after the act finishes.
	FlushOnComplete FlushPolicy = "onComplete"
	// FlushEachEvent writes after every lifecycle event.
	FlushEachEvent FlushPolicy = "eachEvent"
)

// Valid reports whether p is a known policy.
func (p FlushPolicy) Valid() bool {
	return p == FlushOnComplete || p == FlushEachEvent
}

// Queue buffers patches for one act. Patches accumulate in order and are
// applied together on Flush against the latest stored Act.
type Queue struct {
	mu      sync.Mutex
	actID   string
	store   ActStore
	pending []Patch
	now     func() time.Time
}

// NewQueue creates an empty queue for actID.
func NewQueue(actID string, store ActStore) *Queue {
	return &Queue{actID: actID, store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Add appends patches in order.
func (q *Queue) Add(ps ...Patch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ps...)
}

// Len returns the number of pending patches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the pending patches.
func (q *Queue) Pending() []Patch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Patch(nil), q.pending...)
}

// Flush loads the act, applies every pending patch, stamps UpdatedAt and
// persists the result. The queue is cleared only when the write succeeds,
// so a failed flush can be retried.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	act, err := q.store.GetAct(ctx, q.actID)
	if err != nil {
		return err
	}
	next, err := Apply(act, q.pending...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "apply act patches").WithAct(q.actID).WithCause(err)
	}
	next.UpdatedAt = q.now()
	if err := q.store.SetAct(ctx, next); err != nil {
		return err
	}
	q.pending = nil
	return nil
}

// Discard drops pending patches without writing them.
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}
