package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub. Subscriptions are indexed by the act
// they watch so a publish only visits the subscribers that can match it;
// subscriptions without an act filter live under the empty key.
type MemoryHub struct {
	mu      sync.RWMutex
	byAct   map[string]map[uint64]*subscription
	nextID  uint64
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{byAct: make(map[string]map[uint64]*subscription)}
}

// Publish fans event out without blocking. A subscriber whose buffer is full
// misses the event and the drop is counted.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.byAct[""], event)
	if event.ActID != "" {
		h.deliver(h.byAct[event.ActID], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscription, event StreamEvent) {
	for _, s := range subs {
		if !s.filter.Matches(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel removes it
// and closes the channel; calling it again is a no-op.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s := &subscription{ch: make(chan StreamEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	bucket := h.byAct[filter.ActID]
	if bucket == nil {
		bucket = make(map[uint64]*subscription)
		h.byAct[filter.ActID] = bucket
	}
	bucket[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { h.remove(filter.ActID, id) }) }, nil
}

func (h *MemoryHub) remove(actID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucket := h.byAct[actID]
	if s, ok := bucket[id]; ok {
		delete(bucket, id)
		close(s.ch)
	}
	if len(bucket) == 0 {
		delete(h.byAct, actID)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *MemoryHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, bucket := range h.byAct {
		n += len(bucket)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}
