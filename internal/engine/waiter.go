package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/pkg/schema"
)

// WaiterConfig controls how long and how often the waiter checks storage.
type WaiterConfig struct {
	// PollInterval is how often storage is re-read when no completion event
	// arrives.
	PollInterval time.Duration
	// Timeout bounds a single wait. Zero waits until ctx is done.
	Timeout time.Duration
}

// DefaultWaiterConfig polls every second for at most ten minutes.
func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{PollInterval: time.Second, Timeout: 10 * time.Minute}
}

// GenerationReader loads generations.
type GenerationReader interface {
	GetGeneration(ctx context.Context, id string) (*schema.Generation, error)
}

var errWaitTimeout = errors.New("wait timed out")

// Waiter blocks until a generation reaches a terminal status. It wakes on
// generation events from the hub and falls back to polling storage, which
// stays the source of truth.
type Waiter struct {
	store  GenerationReader
	hub    streaming.EventHub
	config WaiterConfig
	logger *slog.Logger
}

// NewWaiter creates a waiter. hub may be nil, in which case only polling is
// used.
func NewWaiter(st GenerationReader, hub streaming.EventHub, cfg WaiterConfig, logger *slog.Logger) *Waiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWaiterConfig().PollInterval
	}
	if hub == nil {
		hub = streaming.NopHub{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{store: st, hub: hub, config: cfg, logger: logger}
}

// Wait returns the generation once it is completed, failed or cancelled.
// It returns NOT_FOUND if the generation disappears, TIMEOUT_ERROR after the
// configured timeout and CANCELLED when ctx is done.
func (w *Waiter) Wait(ctx context.Context, generationID string) (*schema.Generation, error) {
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, w.config.Timeout, errWaitTimeout)
		defer cancel()
	}

	// Subscribe before the first read so a completion between the read and
	// the select is not missed.
	events, unsubscribe, err := w.hub.Subscribe(ctx, streaming.EventFilter{GenerationID: generationID})
	if err != nil {
		logging.LogWith(ctx, w.logger).Warn("completion subscription failed, polling only",
			logging.GenerationID(generationID), logging.Err(err))
		events = nil
	} else {
		defer unsubscribe()
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		gen, err := w.store.GetGeneration(ctx, generationID)
		switch {
		case err == nil:
			if gen.Status.IsTerminal() {
				return gen, nil
			}
		case schema.IsNotFound(err):
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "generation %s disappeared while waiting", generationID).WithCause(err)
		case ctx.Err() != nil:
			return nil, w.doneErr(ctx, generationID)
		default:
			logging.LogWith(ctx, w.logger).Warn("poll generation failed",
				logging.GenerationID(generationID), logging.Err(err))
		}

		select {
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			return nil, w.doneErr(ctx, generationID)
		}
	}
}

func (w *Waiter) doneErr(ctx context.Context, generationID string) error {
	if errors.Is(context.Cause(ctx), errWaitTimeout) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "generation %s did not finish within %s", generationID, w.config.Timeout).
			WithDetails(map[string]any{"generation_id": generationID})
	}
	return schema.NewErrorf(schema.ErrCodeCancelled, "wait for generation %s cancelled", generationID).WithCause(ctx.Err())
}
