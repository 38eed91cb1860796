package schema

import (
	"encoding/json"
	"time"
)

// ActStatus is the lifecycle status of an Act or a Sequence.
type ActStatus string

const (
	ActStatusQueued    ActStatus = "queued"
	ActStatusRunning   ActStatus = "running"
	ActStatusCompleted ActStatus = "completed"
	ActStatusFailed    ActStatus = "failed"
	ActStatusCancelled ActStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ActStatus) IsTerminal() bool {
	return s == ActStatusCompleted || s == ActStatusFailed || s == ActStatusCancelled
}

// StepStatus is the lifecycle status of a Step.
type StepStatus string

const (
	StepStatusQueued     StepStatus = "queued"
	StepStatusInProgress StepStatus = "inProgress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusWarning    StepStatus = "warning"
	StepStatusCancelled  StepStatus = "cancelled"
	StepStatusFailed     StepStatus = "failed"
)

// IsTerminal reports whether the step has finished, successfully or not.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusWarning, StepStatusCancelled, StepStatusFailed:
		return true
	}
	return false
}

// StepCounters aggregates how many steps of an Act are in each status.
type StepCounters struct {
	Queued     int `json:"queued"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Warning    int `json:"warning"`
	Cancelled  int `json:"cancelled"`
	Failed     int `json:"failed"`
}

// Total returns the sum of all counters.
func (c StepCounters) Total() int {
	return c.Queued + c.InProgress + c.Completed + c.Warning + c.Cancelled + c.Failed
}

// Duration holds elapsed times in milliseconds.
type Duration struct {
	WallClock int64 `json:"wallClock"`
	TotalTask int64 `json:"totalTask"`
}

// Usage holds model token consumption.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were consumed.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Annotation levels.
const (
	AnnotationInfo    = "info"
	AnnotationWarning = "warning"
	AnnotationError   = "error"
)

// Annotation is an append-only note attached to an Act.
type Annotation struct {
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	SequenceID string    `json:"sequenceId,omitempty"`
	StepID     string    `json:"stepId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TriggerRef records which trigger started an Act and, for webhook
// triggers, the raw event payload.
type TriggerRef struct {
	ID       string          `json:"id,omitempty"`
	Kind     TriggerKind     `json:"kind"`
	EventID  string          `json:"eventId,omitempty"`
	Delivery string          `json:"delivery,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Step is one node execution inside a Sequence, backed by one Generation.
type Step struct {
	ID           string      `json:"id"`
	Name         string      `json:"name,omitempty"`
	NodeID       string      `json:"nodeId"`
	ContentType  ContentType `json:"contentType"`
	Status       StepStatus  `json:"status"`
	GenerationID string      `json:"generationId"`
	Duration     Duration    `json:"duration"`
	Usage        Usage       `json:"usage"`
}

// Sequence is an ordered group of Steps.
type Sequence struct {
	ID        string    `json:"id"`
	Status    ActStatus `json:"status"`
	Condition string    `json:"condition,omitempty"`
	Steps     []Step    `json:"steps"`
	Duration  Duration  `json:"duration"`
	Usage     Usage     `json:"usage"`
}

// Act is one execution of a flow.
type Act struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	FlowName    string         `json:"flowName,omitempty"`
	Status      ActStatus      `json:"status"`
	Sequences   []Sequence     `json:"sequences"`
	Steps       StepCounters   `json:"steps"`
	Duration    Duration       `json:"duration"`
	Usage       Usage          `json:"usage"`
	Annotations []Annotation   `json:"annotations,omitempty"`
	Trigger     *TriggerRef    `json:"trigger,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// StepCount returns the number of Steps across all Sequences.
func (a *Act) StepCount() int {
	n := 0
	for _, seq := range a.Sequences {
		n += len(seq.Steps)
	}
	return n
}

// Clone returns a deep copy of the Act.
func (a *Act) Clone() *Act {
	if a == nil {
		return nil
	}
	out := *a
	if a.Sequences != nil {
		out.Sequences = make([]Sequence, len(a.Sequences))
		for i, seq := range a.Sequences {
			out.Sequences[i] = seq
			if seq.Steps != nil {
				out.Sequences[i].Steps = append([]Step(nil), seq.Steps...)
			}
		}
	}
	if a.Annotations != nil {
		out.Annotations = append([]Annotation(nil), a.Annotations...)
	}
	if a.Trigger != nil {
		ref := *a.Trigger
		if a.Trigger.Payload != nil {
			ref.Payload = append(json.RawMessage(nil), a.Trigger.Payload...)
		}
		out.Trigger = &ref
	}
	out.Inputs = cloneMap(a.Inputs)
	out.StartedAt = cloneTime(a.StartedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
