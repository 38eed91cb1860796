package streaming

import (
	"context"
	"slices"
	"time"
)

// Event types published by the engine.
const (
	EventGenerationPrefix  = "generation."
	EventActStatus         = "act.status"
	EventSequenceStarted   = "sequence.started"
	EventSequenceCompleted = "sequence.completed"
	EventSequenceFailed    = "sequence.failed"
	EventSequenceSkipped   = "sequence.skipped"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventActCompleted      = "act.completed"
)

// StreamEvent is a real-time event emitted during act execution.
type StreamEvent struct {
	ActID        string    `json:"actId,omitempty"`
	SequenceID   string    `json:"sequenceId,omitempty"`
	StepID       string    `json:"stepId,omitempty"`
	GenerationID string    `json:"generationId,omitempty"`
	EventType    string    `json:"eventType"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ActID        string   `json:"actId,omitempty"`
	GenerationID string   `json:"generationId,omitempty"`
	EventTypes   []string `json:"eventTypes,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.ActID != "" && f.ActID != e.ActID {
		return false
	}
	if f.GenerationID != "" && f.GenerationID != e.GenerationID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}

// EventHub provides pub/sub for real-time act and generation events.
// Delivery is best effort: slow subscribers lose events, so consumers that
// need certainty re-read the store.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// NopHub discards published events and never delivers any.
type NopHub struct{}

func (NopHub) Publish(context.Context, StreamEvent) error { return nil }

func (NopHub) Subscribe(ctx context.Context, _ EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return make(chan StreamEvent), func() {}, nil
}
