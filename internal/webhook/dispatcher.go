// Package webhook turns signed GitHub deliveries into acts, one per
// matching trigger.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// DefaultConcurrency bounds how many triggers of one delivery start at once.
const DefaultConcurrency = 4

// TriggerStore looks up triggers and records when they ran.
type TriggerStore interface {
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*schema.Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update store.TriggerUpdate) error
}

// ActStarter creates and starts acts. Satisfied by *engine.Service.
type ActStarter interface {
	CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error)
}

// Config configures a Dispatcher.
type Config struct {
	Secret      []byte
	Concurrency int
}

// Dispatcher matches deliveries against github triggers and starts an act
// for each match.
type Dispatcher struct {
	triggers   TriggerStore
	starter    ActStarter
	conditions expressions.Engine
	secret     []byte
	limit      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. conditions evaluates trigger
// conditions and defaults to Expr.
func NewDispatcher(triggers TriggerStore, starter ActStarter, conditions expressions.Engine, cfg Config, logger *slog.Logger) *Dispatcher {
	if conditions == nil {
		conditions = expressions.NewExprEngine()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		triggers:   triggers,
		starter:    starter,
		conditions: conditions,
		secret:     cfg.Secret,
		limit:      cfg.Concurrency,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Verify checks the delivery signature.
func (d *Dispatcher) Verify(body []byte, signature string) error {
	return VerifySignature(d.secret, body, signature)
}

// TriggerFailure is a matching trigger whose act could not be started.
type TriggerFailure struct {
	TriggerID string `json:"triggerId"`
	Error     string `json:"error"`
}

// Result reports what a delivery started.
type Result struct {
	Delivery string           `json:"delivery,omitempty"`
	EventID  string           `json:"eventId"`
	Matched  int              `json:"matched"`
	Acts     []string         `json:"acts"`
	Failures []TriggerFailure `json:"failures,omitempty"`
}

// Dispatch starts one act per matching trigger. Triggers are started
// concurrently and independently: a trigger that fails or panics is
// reported in the result and does not affect the others. Only a failure to
// list triggers is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, del *Delivery) (*Result, error) {
	log := logging.LogWith(ctx, d.logger).With(
		slog.String("delivery", del.ID),
		slog.String("event", del.EventID),
		slog.String("repository", del.Repository))

	enabled := true
	candidates, err := d.triggers.ListTriggers(ctx, store.TriggerFilter{
		Kind:       schema.TriggerGitHub,
		Repository: del.Repository,
		EventID:    del.EventID,
		Enabled:    &enabled,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list triggers: %s", err.Error()).WithCause(err)
	}

	var matched []*schema.Trigger
	for _, t := range candidates {
		ok, err := d.matches(ctx, t, del)
		if err != nil {
			log.Warn("trigger condition failed", logging.TriggerID(t.ID), logging.Err(err))
			continue
		}
		if ok {
			matched = append(matched, t)
		}
	}

	res := &Result{Delivery: del.ID, EventID: del.EventID, Matched: len(matched), Acts: []string{}}
	if len(matched) == 0 {
		log.Info("no trigger matched delivery", slog.Int("candidates", len(candidates)))
		return res, nil
	}

	acts := make([]string, len(matched))
	var (
		mu       sync.Mutex
		failures []TriggerFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(d.limit)
	for i, t := range matched {
		g.Go(func() error {
			actID, err := d.fire(ctx, t, del)
			if err != nil {
				log.Error("trigger failed to start act", logging.TriggerID(t.ID), logging.Err(err))
				mu.Lock()
				failures = append(failures, TriggerFailure{TriggerID: t.ID, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			acts[i] = actID
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range acts {
		if id != "" {
			res.Acts = append(res.Acts, id)
		}
	}
	slices.SortFunc(failures, func(a, b TriggerFailure) int {
		if a.TriggerID < b.TriggerID {
			return -1
		}
		if a.TriggerID > b.TriggerID {
			return 1
		}
		return 0
	})
	res.Failures = failures
	log.Info("delivery dispatched", slog.Int("matched", len(matched)), slog.Int("started", len(res.Acts)))
	return res, nil
}

func (d *Dispatcher) matches(ctx context.Context, t *schema.Trigger, del *Delivery) (bool, error) {
	cfg := t.GitHub
	if cfg == nil {
		return false, nil
	}
	if cfg.InstallationID != 0 && cfg.InstallationID != del.InstallationID {
		return false, nil
	}
	if cfg.Callsign != "" && !del.Mentions(cfg.Callsign) {
		return false, nil
	}
	if len(cfg.Labels) > 0 {
		labels := del.Labels()
		if !slices.ContainsFunc(cfg.Labels, func(l string) bool { return slices.Contains(labels, l) }) {
			return false, nil
		}
	}
	if cfg.Condition == "" {
		return true, nil
	}
	return expressions.EvaluateBool(ctx, d.conditions, cfg.Condition, del.Env())
}

// fire creates and starts the act for one trigger inside its own recover
// boundary.
func (d *Dispatcher) fire(ctx context.Context, t *schema.Trigger, del *Delivery) (actID string, err error) {
	ctx = logging.WithTriggerID(ctx, t.ID)
	defer func() {
		if rec := recover(); rec != nil {
			logging.LogWith(ctx, d.logger).Error("trigger panicked",
				slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
		d.record(ctx, t.ID, err)
	}()

	act, err := d.starter.CreateAndStart(ctx, engine.NewActRequest{
		Flow:        t.Flow,
		WorkspaceID: t.WorkspaceID,
		Inputs: map[string]any{
			"repository": del.Repository,
			"event":      del.EventID,
		},
		Trigger: &schema.TriggerRef{
			ID:       t.ID,
			Kind:     schema.TriggerGitHub,
			EventID:  del.EventID,
			Delivery: del.ID,
			Payload:  del.Payload,
		},
	}, executors.Metadata{WorkspaceID: t.WorkspaceID}, nil)
	if err != nil {
		return "", err
	}
	return act.ID, nil
}

func (d *Dispatcher) record(ctx context.Context, triggerID string, runErr error) {
	now := d.now()
	status := "started"
	if runErr != nil {
		status = "error"
	}
	err := d.triggers.UpdateTrigger(context.WithoutCancel(ctx), triggerID, store.TriggerUpdate{
		LastRunAt:     &now,
		LastRunStatus: &status,
	})
	if err != nil {
		logging.LogWith(ctx, d.logger).Warn("record trigger run failed", logging.Err(err))
	}
}
