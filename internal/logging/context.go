package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	actIDKey ctxKey = iota
	sequenceIDKey
	stepIDKey
	generationIDKey
	triggerIDKey
)

// correlationKeys lists the context keys in the order they are logged.
var correlationKeys = []struct {
	key  ctxKey
	name string
}{
	{actIDKey, "act_id"},
	{sequenceIDKey, "sequence_id"},
	{stepIDKey, "step_id"},
	{generationIDKey, "generation_id"},
	{triggerIDKey, "trigger_id"},
}

// WithActID returns a context with the act ID set.
func WithActID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actIDKey, id)
}

// WithSequenceID returns a context with the sequence ID set.
func WithSequenceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sequenceIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithGenerationID returns a context with the generation ID set.
func WithGenerationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, generationIDKey, id)
}

// WithTriggerID returns a context with the trigger ID set.
func WithTriggerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, triggerIDKey, id)
}

// ActIDFrom extracts the act ID from the context, or "" if absent.
func ActIDFrom(ctx context.Context) string { return value(ctx, actIDKey) }

// SequenceIDFrom extracts the sequence ID from the context, or "" if absent.
func SequenceIDFrom(ctx context.Context) string { return value(ctx, sequenceIDKey) }

// StepIDFrom extracts the step ID from the context, or "" if absent.
func StepIDFrom(ctx context.Context) string { return value(ctx, stepIDKey) }

// GenerationIDFrom extracts the generation ID from the context, or "" if absent.
func GenerationIDFrom(ctx context.Context) string { return value(ctx, generationIDKey) }

// TriggerIDFrom extracts the trigger ID from the context, or "" if absent.
func TriggerIDFrom(ctx context.Context) string { return value(ctx, triggerIDKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithStep sets the sequence, step and generation IDs at once.
func WithStep(ctx context.Context, sequenceID, stepID, generationID string) context.Context {
	ctx = WithSequenceID(ctx, sequenceID)
	ctx = WithStepID(ctx, stepID)
	return WithGenerationID(ctx, generationID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			attrs = append(attrs, slog.String(k.name, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
