package schema

import (
	"encoding/json"
	"time"
)

// TriggerKind identifies what fires a Trigger.
type TriggerKind string

const (
	TriggerGitHub   TriggerKind = "github"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// StepDefinition declares one step of a flow.
type StepDefinition struct {
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Node          Node           `json:"node"`
	SourceNodeIDs []string       `json:"sourceNodeIds,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
}

// SequenceDefinition declares an ordered group of steps.
type SequenceDefinition struct {
	ID        string           `json:"id,omitempty"`
	Condition string           `json:"condition,omitempty"`
	Steps     []StepDefinition `json:"steps"`
}

// FlowDefinition is the template an Act is created from.
type FlowDefinition struct {
	Name        string               `json:"name"`
	Sequences   []SequenceDefinition `json:"sequences"`
	InputSchema json.RawMessage      `json:"inputSchema,omitempty"`
}

// Nodes returns every node declared in the flow, keyed by node id.
func (f *FlowDefinition) Nodes() map[string]Node {
	nodes := make(map[string]Node)
	for _, seq := range f.Sequences {
		for _, step := range seq.Steps {
			nodes[step.Node.ID] = step.Node
		}
	}
	return nodes
}

// GitHubTriggerConfig binds a Trigger to a repository event.
type GitHubTriggerConfig struct {
	EventID        string   `json:"eventId"`
	Repository     string   `json:"repository"`
	InstallationID int64    `json:"installationId,omitempty"`
	Callsign       string   `json:"callsign,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	Condition      string   `json:"condition,omitempty"`
}

// ScheduleTriggerConfig fires a Trigger on a cron schedule.
type ScheduleTriggerConfig struct {
	Cron   string         `json:"cron"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Trigger is a configured entry point whose firing creates a new Act.
type Trigger struct {
	ID            string                 `json:"id"`
	WorkspaceID   string                 `json:"workspaceId,omitempty"`
	Name          string                 `json:"name,omitempty"`
	Kind          TriggerKind            `json:"kind"`
	Enabled       bool                   `json:"enabled"`
	Flow          FlowDefinition         `json:"flow"`
	GitHub        *GitHubTriggerConfig   `json:"github,omitempty"`
	Schedule      *ScheduleTriggerConfig `json:"schedule,omitempty"`
	LastRunAt     *time.Time             `json:"lastRunAt,omitempty"`
	NextRunAt     *time.Time             `json:"nextRunAt,omitempty"`
	LastRunStatus string                 `json:"lastRunStatus,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Repository returns the bound repository of a github trigger.
func (t *Trigger) Repository() string {
	if t.GitHub == nil {
		return ""
	}
	return t.GitHub.Repository
}

// EventID returns the bound event of a github trigger.
func (t *Trigger) EventID() string {
	if t.GitHub == nil {
		return ""
	}
	return t.GitHub.EventID
}
