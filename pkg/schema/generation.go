package schema

import (
	"encoding/json"
	"time"
)

// GenerationStatus is the lifecycle status of a Generation.
type GenerationStatus string

const (
	GenerationCreated   GenerationStatus = "created"
	GenerationQueued    GenerationStatus = "queued"
	GenerationRequested GenerationStatus = "requested"
	GenerationRunning   GenerationStatus = "running"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
	GenerationCancelled GenerationStatus = "cancelled"
)

// IsTerminal reports whether the generation has finished.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenerationCompleted || s == GenerationFailed || s == GenerationCancelled
}

// Origin types.
const (
	OriginAct    = "act"
	OriginStudio = "studio"
)

// GenerationOrigin identifies where a generation was requested from.
type GenerationOrigin struct {
	Type        string `json:"type"`
	ActID       string `json:"actId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	SequenceID  string `json:"sequenceId,omitempty"`
	StepID      string `json:"stepId,omitempty"`
}

// Scope returns the key that groups generations for source lookups.
func (o GenerationOrigin) Scope() string {
	if o.ActID != "" {
		return o.Type + ":" + o.ActID
	}
	return o.Type + ":" + o.WorkspaceID
}

// GenerationContext is everything an executor needs to run the operation.
type GenerationContext struct {
	OperationNode Node             `json:"operationNode"`
	SourceNodes   []Node           `json:"sourceNodes,omitempty"`
	Inputs        map[string]any   `json:"inputs,omitempty"`
	Origin        GenerationOrigin `json:"origin"`
}

// OutputType classifies a generation output.
type OutputType string

const (
	OutputText  OutputType = "text"
	OutputJSON  OutputType = "json"
	OutputImage OutputType = "image"
)

// ImageRef points at a generated image.
type ImageRef struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Output is one named result of a generation.
type Output struct {
	ID     string          `json:"outputId"`
	Type   OutputType      `json:"type"`
	Text   string          `json:"text,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Images []ImageRef      `json:"images,omitempty"`
}

// Value returns the output as a plain Go value for expressions and prompts.
func (o Output) Value() any {
	switch o.Type {
	case OutputText:
		return o.Text
	case OutputJSON:
		if len(o.JSON) == 0 {
			return nil
		}
		var v any
		if err := json.Unmarshal(o.JSON, &v); err != nil {
			return string(o.JSON)
		}
		return v
	case OutputImage:
		urls := make([]any, len(o.Images))
		for i, img := range o.Images {
			urls[i] = img.URL
		}
		return urls
	}
	return nil
}

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationError is the structured failure recorded on a failed generation.
type GenerationError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Generation is the record of one unit of work.
type Generation struct {
	ID          string            `json:"id"`
	Status      GenerationStatus  `json:"status"`
	Context     GenerationContext `json:"context"`
	CreatedAt   time.Time         `json:"createdAt"`
	QueuedAt    *time.Time        `json:"queuedAt,omitempty"`
	RequestedAt *time.Time        `json:"requestedAt,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	FailedAt    *time.Time        `json:"failedAt,omitempty"`
	CancelledAt *time.Time        `json:"cancelledAt,omitempty"`
	Outputs     []Output          `json:"outputs,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Usage       *Usage            `json:"usage,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Error       *GenerationError  `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ContentType returns the tag of the operation node.
func (g *Generation) ContentType() ContentType {
	return g.Context.OperationNode.Content.Type
}

// Output returns the output with the given id.
func (g *Generation) Output(id string) (Output, bool) {
	for _, o := range g.Outputs {
		if o.ID == id {
			return o, true
		}
	}
	return Output{}, false
}

// Elapsed returns how long the generation ran, from start (or queueing) to
// its terminal timestamp. Zero when not finished.
func (g *Generation) Elapsed() time.Duration {
	start := g.StartedAt
	if start == nil {
		start = g.QueuedAt
	}
	var end *time.Time
	switch {
	case g.CompletedAt != nil:
		end = g.CompletedAt
	case g.FailedAt != nil:
		end = g.FailedAt
	case g.CancelledAt != nil:
		end = g.CancelledAt
	}
	if start == nil || end == nil || end.Before(*start) {
		return 0
	}
	return end.Sub(*start)
}

// Clone returns a deep copy of the generation.
func (g *Generation) Clone() *Generation {
	if g == nil {
		return nil
	}
	out := *g
	out.Context.Inputs = cloneMap(g.Context.Inputs)
	if g.Context.SourceNodes != nil {
		out.Context.SourceNodes = append([]Node(nil), g.Context.SourceNodes...)
	}
	out.QueuedAt = cloneTime(g.QueuedAt)
	out.RequestedAt = cloneTime(g.RequestedAt)
	out.StartedAt = cloneTime(g.StartedAt)
	out.CompletedAt = cloneTime(g.CompletedAt)
	out.FailedAt = cloneTime(g.FailedAt)
	out.CancelledAt = cloneTime(g.CancelledAt)
	if g.Outputs != nil {
		out.Outputs = make([]Output, len(g.Outputs))
		for i, o := range g.Outputs {
			out.Outputs[i] = o
			if o.JSON != nil {
				out.Outputs[i].JSON = append(json.RawMessage(nil), o.JSON...)
			}
			if o.Images != nil {
				out.Outputs[i].Images = append([]ImageRef(nil), o.Images...)
			}
		}
	}
	if g.Messages != nil {
		out.Messages = append([]Message(nil), g.Messages...)
	}
	if g.Warnings != nil {
		out.Warnings = append([]string(nil), g.Warnings...)
	}
	if g.Usage != nil {
		u := *g.Usage
		out.Usage = &u
	}
	if g.Error != nil {
		e := *g.Error
		out.Error = &e
	}
	return &out
}

// NodeGenerationEntry is one generation recorded in a node's history.
type NodeGenerationEntry struct {
	GenerationID string           `json:"generationId"`
	Status       GenerationStatus `json:"status"`
	CreatedAt    time.Time        `json:"createdAt"`
	QueuedAt     *time.Time       `json:"queuedAt,omitempty"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	FailedAt     *time.Time       `json:"failedAt,omitempty"`
}

// NodeGenerationIndex is the ordered generation history of one node within
// a scope.
type NodeGenerationIndex struct {
	Scope   string                `json:"scope"`
	NodeID  string                `json:"nodeId"`
	Entries []NodeGenerationEntry `json:"entries"`
}

// Upsert records the current state of gen, appending a new entry the first
// time the generation is seen.
func (idx *NodeGenerationIndex) Upsert(gen *Generation) {
	entry := NodeGenerationEntry{
		GenerationID: gen.ID,
		Status:       gen.Status,
		CreatedAt:    gen.CreatedAt,
		QueuedAt:     cloneTime(gen.QueuedAt),
		StartedAt:    cloneTime(gen.StartedAt),
		CompletedAt:  cloneTime(gen.CompletedAt),
		FailedAt:     cloneTime(gen.FailedAt),
	}
	for i := range idx.Entries {
		if idx.Entries[i].GenerationID == gen.ID {
			idx.Entries[i] = entry
			return
		}
	}
	idx.Entries = append(idx.Entries, entry)
}

// LatestCompleted returns the most recently created completed entry.
func (idx *NodeGenerationIndex) LatestCompleted() (NodeGenerationEntry, bool) {
	for i := len(idx.Entries) - 1; i >= 0; i-- {
		if idx.Entries[i].Status == GenerationCompleted {
			return idx.Entries[i], true
		}
	}
	return NodeGenerationEntry{}, false
}
