package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/actrun/pkg/schema"
)

// ActFilter narrows ListActs. Zero values match everything.
type ActFilter struct {
	WorkspaceID string
	Status      schema.ActStatus
	FlowName    string
	TriggerID   string
	Limit       int
	Offset      int
}

// Matches reports whether act passes the filter, ignoring Limit and Offset.
func (f ActFilter) Matches(act *schema.Act) bool {
	if f.WorkspaceID != "" && act.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Status != "" && act.Status != f.Status {
		return false
	}
	if f.FlowName != "" && act.FlowName != f.FlowName {
		return false
	}
	if f.TriggerID != "" && (act.Trigger == nil || act.Trigger.ID != f.TriggerID) {
		return false
	}
	return true
}

// TriggerFilter narrows ListTriggers. Zero values match everything.
type TriggerFilter struct {
	WorkspaceID string
	Kind        schema.TriggerKind
	Repository  string
	EventID     string
	Enabled     *bool
	Limit       int
}

// Matches reports whether t passes the filter, ignoring Limit.
func (f TriggerFilter) Matches(t *schema.Trigger) bool {
	if f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Repository != "" && t.Repository() != f.Repository {
		return false
	}
	if f.EventID != "" && t.EventID() != f.EventID {
		return false
	}
	if f.Enabled != nil && t.Enabled != *f.Enabled {
		return false
	}
	return true
}

// TriggerUpdate holds mutable trigger fields. Nil fields are left unchanged.
type TriggerUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus *string
}

// Apply copies the non-nil fields onto t.
func (u TriggerUpdate) Apply(t *schema.Trigger) {
	if u.Enabled != nil {
		t.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		ts := *u.LastRunAt
		t.LastRunAt = &ts
	}
	if u.NextRunAt != nil {
		ts := *u.NextRunAt
		t.NextRunAt = &ts
	}
	if u.LastRunStatus != nil {
		t.LastRunStatus = *u.LastRunStatus
	}
}

// Event is an immutable entry in an act's lifecycle log.
type Event struct {
	ID         int64           `json:"id"`
	ActID      string          `json:"actId"`
	SequenceID string          `json:"sequenceId,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Act lifecycle event types.
const (
	EventActStarted        = "act.started"
	EventActCompleted      = "act.completed"
	EventSequenceStarted   = "sequence.started"
	EventSequenceCompleted = "sequence.completed"
	EventSequenceFailed    = "sequence.failed"
	EventSequenceSkipped   = "sequence.skipped"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
)
