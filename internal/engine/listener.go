package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

// SequenceEvent describes a sequence lifecycle change.
type SequenceEvent struct {
	ActID    string          `json:"actId"`
	Index    int             `json:"index"`
	Sequence schema.Sequence `json:"sequence"`
	Reason   string          `json:"reason,omitempty"`
}

// StepEvent describes a finished step.
type StepEvent struct {
	ActID         string             `json:"actId"`
	SequenceIndex int                `json:"sequenceIndex"`
	StepIndex     int                `json:"stepIndex"`
	SequenceID    string             `json:"sequenceId"`
	Step          schema.Step        `json:"step"`
	Generation    *schema.Generation `json:"generation,omitempty"`
	Err           error              `json:"-"`
}

// ActEvent describes a finished act.
type ActEvent struct {
	ActID    string              `json:"actId"`
	Status   schema.ActStatus    `json:"status"`
	Steps    schema.StepCounters `json:"steps"`
	Duration schema.Duration     `json:"duration"`
	Usage    schema.Usage        `json:"usage"`
	Err      error               `json:"-"`
}

// Listener observes an act run. Calls are best effort: errors and panics
// are logged by the runner and never change the outcome of the run.
type Listener interface {
	SequenceStart(ctx context.Context, e SequenceEvent) error
	SequenceFail(ctx context.Context, e SequenceEvent) error
	SequenceComplete(ctx context.Context, e SequenceEvent) error
	SequenceSkip(ctx context.Context, e SequenceEvent) error
	StepComplete(ctx context.Context, e StepEvent) error
	StepFail(ctx context.Context, e StepEvent) error
	ActComplete(ctx context.Context, e ActEvent) error
}

// Callbacks implements Listener with optional functions.
type Callbacks struct {
	OnSequenceStart    func(ctx context.Context, e SequenceEvent) error
	OnSequenceFail     func(ctx context.Context, e SequenceEvent) error
	OnSequenceComplete func(ctx context.Context, e SequenceEvent) error
	OnSequenceSkip     func(ctx context.Context, e SequenceEvent) error
	OnStepComplete     func(ctx context.Context, e StepEvent) error
	OnStepFail         func(ctx context.Context, e StepEvent) error
	OnActComplete      func(ctx context.Context, e ActEvent) error
}

func call[E any](ctx context.Context, fn func(context.Context, E) error, e E) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, e)
}

func (c Callbacks) SequenceStart(ctx context.Context, e SequenceEvent) error {
	return call(ctx, c.OnSequenceStart, e)
}

func (c Callbacks) SequenceFail(ctx context.Context, e SequenceEvent) error {
	return call(ctx, c.OnSequenceFail, e)
}

func (c Callbacks) SequenceComplete(ctx context.Context, e SequenceEvent) error {
	return call(ctx, c.OnSequenceComplete, e)
}

func (c Callbacks) SequenceSkip(ctx context.Context, e SequenceEvent) error {
	return call(ctx, c.OnSequenceSkip, e)
}

func (c Callbacks) StepComplete(ctx context.Context, e StepEvent) error {
	return call(ctx, c.OnStepComplete, e)
}

func (c Callbacks) StepFail(ctx context.Context, e StepEvent) error {
	return call(ctx, c.OnStepFail, e)
}

func (c Callbacks) ActComplete(ctx context.Context, e ActEvent) error {
	return call(ctx, c.OnActComplete, e)
}

// NopListener ignores every event.
var NopListener Listener = Callbacks{}

// Listeners fans each event out to every listener and joins their errors.
type Listeners []Listener

func (ls Listeners) each(fn func(Listener) error) error {
	var errs []error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ls Listeners) SequenceStart(ctx context.Context, e SequenceEvent) error {
	return ls.each(func(l Listener) error { return l.SequenceStart(ctx, e) })
}

func (ls Listeners) SequenceFail(ctx context.Context, e SequenceEvent) error {
	return ls.each(func(l Listener) error { return l.SequenceFail(ctx, e) })
}

func (ls Listeners) SequenceComplete(ctx context.Context, e SequenceEvent) error {
	return ls.each(func(l Listener) error { return l.SequenceComplete(ctx, e) })
}

func (ls Listeners) SequenceSkip(ctx context.Context, e SequenceEvent) error {
	return ls.each(func(l Listener) error { return l.SequenceSkip(ctx, e) })
}

func (ls Listeners) StepComplete(ctx context.Context, e StepEvent) error {
	return ls.each(func(l Listener) error { return l.StepComplete(ctx, e) })
}

func (ls Listeners) StepFail(ctx context.Context, e StepEvent) error {
	return ls.each(func(l Listener) error { return l.StepFail(ctx, e) })
}

func (ls Listeners) ActComplete(ctx context.Context, e ActEvent) error {
	return ls.each(func(l Listener) error { return l.ActComplete(ctx, e) })
}

// HubListener publishes run events to an event hub for live subscribers.
type HubListener struct {
	Hub streaming.EventHub
}

func (h HubListener) publish(ctx context.Context, actID, seqID, stepID, genID, eventType string, payload any) error {
	return h.Hub.Publish(ctx, streaming.StreamEvent{
		ActID:        actID,
		SequenceID:   seqID,
		StepID:       stepID,
		GenerationID: genID,
		EventType:    eventType,
		Payload:      payload,
	})
}

func (h HubListener) SequenceStart(ctx context.Context, e SequenceEvent) error {
	return h.publish(ctx, e.ActID, e.Sequence.ID, "", "", streaming.EventSequenceStarted, e)
}

func (h HubListener) SequenceFail(ctx context.Context, e SequenceEvent) error {
	return h.publish(ctx, e.ActID, e.Sequence.ID, "", "", streaming.EventSequenceFailed, e)
}

func (h HubListener) SequenceComplete(ctx context.Context, e SequenceEvent) error {
	return h.publish(ctx, e.ActID, e.Sequence.ID, "", "", streaming.EventSequenceCompleted, e)
}

func (h HubListener) SequenceSkip(ctx context.Context, e SequenceEvent) error {
	return h.publish(ctx, e.ActID, e.Sequence.ID, "", "", streaming.EventSequenceSkipped, e)
}

func (h HubListener) StepComplete(ctx context.Context, e StepEvent) error {
	return h.publish(ctx, e.ActID, e.SequenceID, e.Step.ID, e.Step.GenerationID, streaming.EventStepCompleted, e)
}

func (h HubListener) StepFail(ctx context.Context, e StepEvent) error {
	return h.publish(ctx, e.ActID, e.SequenceID, e.Step.ID, e.Step.GenerationID, streaming.EventStepFailed, e)
}

func (h HubListener) ActComplete(ctx context.Context, e ActEvent) error {
	return h.publish(ctx, e.ActID, "", "", "", streaming.EventActCompleted, e)
}

// EventAppender appends to an act's event log. Satisfied by store.Store.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EventLogListener records run events in the act's durable event log.
type EventLogListener struct {
	Log EventAppender
}

func (l EventLogListener) append(ctx context.Context, actID, seqID, stepID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return l.Log.AppendEvent(ctx, &store.Event{
		ActID:      actID,
		SequenceID: seqID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
	})
}

func (l EventLogListener) SequenceStart(ctx context.Context, e SequenceEvent) error {
	return l.append(ctx, e.ActID, e.Sequence.ID, "", store.EventSequenceStarted, e)
}

func (l EventLogListener) SequenceFail(ctx context.Context, e SequenceEvent) error {
	return l.append(ctx, e.ActID, e.Sequence.ID, "", store.EventSequenceFailed, e)
}

func (l EventLogListener) SequenceComplete(ctx context.Context, e SequenceEvent) error {
	return l.append(ctx, e.ActID, e.Sequence.ID, "", store.EventSequenceCompleted, e)
}

func (l EventLogListener) SequenceSkip(ctx context.Context, e SequenceEvent) error {
	return l.append(ctx, e.ActID, e.Sequence.ID, "", store.EventSequenceSkipped, e)
}

func (l EventLogListener) StepComplete(ctx context.Context, e StepEvent) error {
	return l.append(ctx, e.ActID, e.SequenceID, e.Step.ID, store.EventStepCompleted, e.Step)
}

func (l EventLogListener) StepFail(ctx context.Context, e StepEvent) error {
	payload := map[string]any{"step": e.Step}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	if e.Generation != nil && e.Generation.Error != nil {
		payload["generationError"] = e.Generation.Error
	}
	return l.append(ctx, e.ActID, e.SequenceID, e.Step.ID, store.EventStepFailed, payload)
}

func (l EventLogListener) ActComplete(ctx context.Context, e ActEvent) error {
	payload := map[string]any{"status": e.Status, "steps": e.Steps, "duration": e.Duration, "usage": e.Usage}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	return l.append(ctx, e.ActID, "", "", store.EventActCompleted, payload)
}

var (
	_ Listener = Callbacks{}
	_ Listener = Listeners(nil)
	_ Listener = HubListener{}
	_ Listener = EventLogListener{}
)
