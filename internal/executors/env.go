package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/pkg/schema"
)

// Transitioner moves a generation to a new status, persists it and applies
// updates in the same write. Implemented by the engine's generation FSM.
type Transitioner interface {
	Transition(ctx context.Context, gen *schema.Generation, to schema.GenerationStatus, updates ...func(*schema.Generation)) error
}

// Store is the slice of the store executors read from.
type Store interface {
	GetAct(ctx context.Context, id string) (*schema.Act, error)
	GetGeneration(ctx context.Context, id string) (*schema.Generation, error)
	GetNodeGenerationIndex(ctx context.Context, scope, nodeID string) (*schema.NodeGenerationIndex, error)
}

// Env holds the collaborators shared by every executor.
type Env struct {
	Store        Store
	Transitioner Transitioner
	Interpolator *expressions.Interpolator
	Logger       *slog.Logger
}

func (e Env) logger(ctx context.Context) *slog.Logger {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	return logging.LogWith(ctx, l)
}

// Scope builds the interpolation scope for gen: the latest outputs of its
// source nodes, the act and step inputs, and the act and trigger metadata.
func (e Env) Scope(ctx context.Context, gen *schema.Generation, md Metadata) (*expressions.Scope, error) {
	sources, err := LoadSources(ctx, e.Store, gen)
	if err != nil {
		return nil, err
	}
	scope := &expressions.Scope{Sources: expressions.SourceData(sources)}

	actID := gen.Context.Origin.ActID
	if actID == "" {
		actID = md.ActID
	}
	inputs := map[string]any{}
	if actID != "" {
		act, err := e.Store.GetAct(ctx, actID)
		switch {
		case err == nil:
			maps.Copy(inputs, act.Inputs)
			scope.Act = expressions.ActData(act)
			scope.Trigger = expressions.TriggerData(act.Trigger)
		case schema.IsNotFound(err):
		default:
			return nil, err
		}
	}
	maps.Copy(inputs, gen.Context.Inputs)
	scope.Inputs = inputs
	return scope, nil
}

// LoadSources returns the latest completed generation of each source node of
// gen within the same origin scope. Source nodes that have not completed are
// left out.
func LoadSources(ctx context.Context, st Store, gen *schema.Generation) ([]*schema.Generation, error) {
	scope := gen.Context.Origin.Scope()
	out := make([]*schema.Generation, 0, len(gen.Context.SourceNodes))
	for _, node := range gen.Context.SourceNodes {
		idx, err := st.GetNodeGenerationIndex(ctx, scope, node.ID)
		if err != nil {
			if schema.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load source index %s: %w", node.ID, err)
		}
		entry, ok := idx.LatestCompleted()
		if !ok {
			continue
		}
		src, err := st.GetGeneration(ctx, entry.GenerationID)
		if err != nil {
			if schema.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load source generation %s: %w", entry.GenerationID, err)
		}
		out = append(out, src)
	}
	return out, nil
}

// Failure is an expected failure of the operation itself. It is recorded on
// the generation and never returned from Execute.
type Failure struct {
	Name string
	Err  error
}

func (f *Failure) Error() string { return f.Name + ": " + f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

func fail(name string, err error) error {
	return &Failure{Name: name, Err: err}
}

func failf(name, format string, args ...any) error {
	return &Failure{Name: name, Err: fmt.Errorf(format, args...)}
}

// Outcome is what a finished operation produced.
type Outcome struct {
	Outputs  []schema.Output
	Messages []schema.Message
	Usage    *schema.Usage
	Warnings []string
}

func (o Outcome) apply(g *schema.Generation) {
	g.Outputs = o.Outputs
	g.Messages = o.Messages
	g.Usage = o.Usage
	g.Warnings = append(g.Warnings, o.Warnings...)
}

func withFailure(f *Failure) func(*schema.Generation) {
	return func(g *schema.Generation) {
		g.Error = &schema.GenerationError{Name: f.Name, Message: f.Err.Error()}
	}
}

// run drives a synchronous operation: queued to running, then to completed,
// failed or cancelled depending on what fn returns. Errors that are not a
// *Failure are returned to the caller with the generation left as is.
func (e Env) run(ctx context.Context, gen *schema.Generation, fn func(ctx context.Context) (Outcome, error)) error {
	if err := e.Transitioner.Transition(ctx, gen, schema.GenerationRunning); err != nil {
		if ctx.Err() != nil {
			return e.Transitioner.Transition(context.WithoutCancel(ctx), gen, schema.GenerationCancelled)
		}
		return err
	}
	out, err := fn(ctx)
	return e.finish(ctx, gen, out, err)
}

func (e Env) finish(ctx context.Context, gen *schema.Generation, out Outcome, err error) error {
	// Terminal writes must land even when the run was cancelled.
	wctx := context.WithoutCancel(ctx)
	if err == nil {
		return e.Transitioner.Transition(wctx, gen, schema.GenerationCompleted, out.apply)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return e.Transitioner.Transition(wctx, gen, schema.GenerationCancelled)
	}
	var f *Failure
	if errors.As(err, &f) {
		e.logger(ctx).Warn("generation failed",
			logging.GenerationID(gen.ID),
			slog.String("failure", f.Name),
			logging.Err(f.Err))
		return e.Transitioner.Transition(wctx, gen, schema.GenerationFailed, withFailure(f))
	}
	return err
}

// reject fails a generation that could not be started, straight from its
// current status.
func (e Env) reject(ctx context.Context, gen *schema.Generation, err error) error {
	var f *Failure
	if !errors.As(err, &f) {
		return err
	}
	e.logger(ctx).Warn("generation rejected",
		logging.GenerationID(gen.ID),
		slog.String("failure", f.Name),
		logging.Err(f.Err))
	return e.Transitioner.Transition(context.WithoutCancel(ctx), gen, schema.GenerationFailed, withFailure(f))
}

func jsonOutput(id string, v any) (schema.Output, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return schema.Output{}, err
	}
	return schema.Output{ID: id, Type: schema.OutputJSON, JSON: raw}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// triggerPayload returns the raw trigger payload of the act gen belongs to,
// or nil when there is none.
func (e Env) triggerPayload(ctx context.Context, gen *schema.Generation, md Metadata) (*schema.Act, json.RawMessage, error) {
	actID := orDefault(gen.Context.Origin.ActID, md.ActID)
	if actID == "" {
		return nil, nil, nil
	}
	act, err := e.Store.GetAct(ctx, actID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if act.Trigger == nil {
		return act, nil, nil
	}
	return act, act.Trigger.Payload, nil
}
