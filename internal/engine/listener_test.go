package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

func TestListeners_FanOutJoinsErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	var calls int
	ls := Listeners{
		Callbacks{OnSequenceStart: func(context.Context, SequenceEvent) error { calls++; return first }},
		nil,
		Callbacks{OnSequenceStart: func(context.Context, SequenceEvent) error { calls++; return second }},
		NopListener,
	}

	err := ls.SequenceStart(context.Background(), SequenceEvent{ActID: "a"})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.NoError(t, ls.ActComplete(context.Background(), ActEvent{}))
}

func TestEventLogListener_RecordsRun(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	act := h.create(t, schema.FlowDefinition{
		Name: "logged",
		Sequences: []schema.SequenceDefinition{
			{ID: "main", Steps: []schema.StepDefinition{entryStep(t, "a")}},
			{ID: "skipped", Condition: "false", Steps: []schema.StepDefinition{entryStep(t, "b")}},
		},
	}, nil)

	require.NoError(t, h.runner.RunAct(context.Background(), act.ID, EventLogListener{Log: h.st}, executors.Metadata{}))

	events, err := h.st.GetEvents(context.Background(), act.ID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		store.EventSequenceStarted,
		store.EventStepCompleted,
		store.EventSequenceCompleted,
		store.EventSequenceSkipped,
		store.EventActCompleted,
	}, types)
}

func TestHubListener_PublishesRunEvents(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	act := h.create(t, schema.FlowDefinition{
		Name:      "streamed",
		Sequences: []schema.SequenceDefinition{{ID: "main", Steps: []schema.StepDefinition{entryStep(t, "a")}}},
	}, nil)

	events, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		ActID:      act.ID,
		EventTypes: []string{streaming.EventStepCompleted, streaming.EventActCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.runner.RunAct(context.Background(), act.ID, HubListener{Hub: h.hub}, executors.Metadata{}))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e.EventType)
		case <-timeout:
			t.Fatalf("received only %v", got)
		}
	}
	assert.Equal(t, []string{streaming.EventStepCompleted, streaming.EventActCompleted}, got)
}
