// Package executors runs the operation behind each Step. Every executor owns
// the status transitions of the Generation it is handed and records expected
// failures on that Generation instead of returning them.
package executors

import (
	"context"
	"fmt"

	"github.com/rendis/actrun/pkg/schema"
)

// Metadata identifies who a generation runs for.
type Metadata struct {
	ActID       string `json:"actId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// Executor runs one generation. It returns an error only for infrastructure
// or programmer failures; an operation that fails in the ordinary way leaves
// the generation failed and returns nil.
type Executor interface {
	Execute(ctx context.Context, gen *schema.Generation, md Metadata) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, gen *schema.Generation, md Metadata) error

func (f ExecutorFunc) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	return f(ctx, gen, md)
}

// Executors binds one executor to every content type.
type Executors struct {
	Action          Executor
	ImageGeneration Executor
	TextGeneration  Executor
	Trigger         Executor
	Query           Executor
	AppEntry        Executor
}

// For returns the executor bound to t, or nil.
func (e Executors) For(t schema.ContentType) Executor {
	switch t {
	case schema.ContentAction:
		return e.Action
	case schema.ContentImageGeneration:
		return e.ImageGeneration
	case schema.ContentTextGeneration:
		return e.TextGeneration
	case schema.ContentTrigger:
		return e.Trigger
	case schema.ContentQuery:
		return e.Query
	case schema.ContentAppEntry:
		return e.AppEntry
	}
	return nil
}

// UnknownContentTypeError is the panic value raised when a generation carries
// a content type outside the closed set.
type UnknownContentTypeError struct {
	Type         schema.ContentType
	GenerationID string
}

func (e *UnknownContentTypeError) Error() string {
	return fmt.Sprintf("no executor for content type %q (generation %s)", e.Type, e.GenerationID)
}

// Dispatcher routes a generation to the executor for its content type.
type Dispatcher struct {
	executors Executors
}

// NewDispatcher returns a dispatcher over ex. Every content type must be
// bound.
func NewDispatcher(ex Executors) (*Dispatcher, error) {
	for _, t := range schema.AllContentTypes {
		if ex.For(t) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "no executor bound for content type %q", t)
		}
	}
	return &Dispatcher{executors: ex}, nil
}

// Execute runs gen on its executor. A content type outside the closed set
// panics with *UnknownContentTypeError.
func (d *Dispatcher) Execute(ctx context.Context, gen *schema.Generation, md Metadata) error {
	t := gen.ContentType()
	var ex Executor
	switch t {
	case schema.ContentAction:
		ex = d.executors.Action
	case schema.ContentImageGeneration:
		ex = d.executors.ImageGeneration
	case schema.ContentTextGeneration:
		ex = d.executors.TextGeneration
	case schema.ContentTrigger:
		ex = d.executors.Trigger
	case schema.ContentQuery:
		ex = d.executors.Query
	case schema.ContentAppEntry:
		ex = d.executors.AppEntry
	default:
		panic(&UnknownContentTypeError{Type: t, GenerationID: gen.ID})
	}
	return ex.Execute(ctx, gen, md)
}

// IsAsync reports whether the executor for t returns before the generation
// reaches a terminal status.
func IsAsync(t schema.ContentType) bool {
	return t == schema.ContentTextGeneration
}
