package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertQuiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		ActID:        "act-1",
		GenerationID: "gen-1",
		EventType:    EventGenerationPrefix + "completed",
	}))

	got := receive(t, ch)
	assert.Equal(t, "act-1", got.ActID)
	assert.Equal(t, "gen-1", got.GenerationID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFilterByGenerationID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{GenerationID: "gen-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{GenerationID: "gen-2", EventType: "generation.running"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{GenerationID: "gen-1", EventType: "generation.running"}))

	assert.Equal(t, "gen-1", receive(t, ch).GenerationID)
	assertQuiet(t, ch)
}

func TestFilterByActAndType(t *testing.T) {
	f := EventFilter{ActID: "a1", EventTypes: []string{EventStepCompleted, EventActCompleted}}
	assert.True(t, f.Matches(StreamEvent{ActID: "a1", EventType: EventStepCompleted}))
	assert.False(t, f.Matches(StreamEvent{ActID: "a1", EventType: EventStepFailed}))
	assert.False(t, f.Matches(StreamEvent{ActID: "a2", EventType: EventActCompleted}))
	assert.True(t, EventFilter{}.Matches(StreamEvent{EventType: "x"}))
}

func TestCancelClosesAndUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: "x"}))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{EventType: "tick"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
	assert.EqualValues(t, 10, hub.Dropped())
}

func TestActFilteredAndWildcardSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelAll()
	one, cancelOne, err := hub.Subscribe(ctx, EventFilter{ActID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 2, hub.SubscriberCount())

	require.NoError(t, hub.Publish(ctx, StreamEvent{ActID: "a2", EventType: EventActStatus}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ActID: "a1", EventType: EventActStatus}))

	assert.Equal(t, "a2", receive(t, all).ActID)
	assert.Equal(t, "a1", receive(t, all).ActID)
	assert.Equal(t, "a1", receive(t, one).ActID)
	assertQuiet(t, one)

	cancelOne()
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestPublish_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ActID: "a"})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, StreamEvent{ActID: "a", EventType: "x"})
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 20)
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	hub := NewRedisHub(client, "", nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{GenerationID: "g1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{GenerationID: "g2", EventType: "generation.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{GenerationID: "g1", ActID: "a1", EventType: "generation.completed"}))

	got := receive(t, ch)
	assert.Equal(t, "g1", got.GenerationID)
	assert.Equal(t, "a1", got.ActID)
}

func TestNopHub(t *testing.T) {
	var hub EventHub = NopHub{}
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{}))
	assertQuiet(t, ch)
}
