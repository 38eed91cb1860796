// Package scheduler fires schedule triggers on their cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// DefaultTick is how often the scheduler looks for due triggers.
const DefaultTick = 60 * time.Second

// Run statuses recorded on a trigger.
const (
	StatusStarted = "started"
	StatusError   = "error"
)

// TriggerStore is the slice of the store the scheduler needs.
type TriggerStore interface {
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*schema.Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update store.TriggerUpdate) error
}

// ActStarter creates and starts acts. Satisfied by *engine.Service (avoids
// the scheduler owning act lifecycles).
type ActStarter interface {
	CreateAndStart(ctx context.Context, req engine.NewActRequest, md executors.Metadata, l engine.Listener) (*schema.Act, error)
}

// Scheduler polls the store for due schedule triggers and starts an act for
// each. A trigger whose previous act is still running is not fired again.
type Scheduler struct {
	store   TriggerStore
	starter ActStarter
	parser  cron.Parser
	tickDur time.Duration
	logger  *slog.Logger
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]string // trigger ID -> act ID still running
}

// NewScheduler creates a new Scheduler. tick <= 0 uses DefaultTick.
func NewScheduler(s TriggerStore, starter ActStarter, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tickDur:  tick,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]string),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tickDur))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickDur)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) enabledTriggers(ctx context.Context) ([]*schema.Trigger, error) {
	enabled := true
	return s.store.ListTriggers(ctx, store.TriggerFilter{Kind: schema.TriggerSchedule, Enabled: &enabled})
}

// tick fires every enabled trigger that is due. A trigger that has never
// been scheduled is due immediately.
func (s *Scheduler) tick(ctx context.Context) {
	triggers, err := s.enabledTriggers(ctx)
	if err != nil {
		s.logger.Error("failed to list schedule triggers", logging.Err(err))
		return
	}

	now := s.now()
	for _, t := range triggers {
		if t.NextRunAt != nil && t.NextRunAt.After(now) {
			continue
		}
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("failed to fire schedule trigger", logging.TriggerID(t.ID), logging.Err(err))
		}
	}
}

// fire starts the act for t and records the run. It is a no-op while the
// previous act of t is still running.
func (s *Scheduler) fire(ctx context.Context, t *schema.Trigger, now time.Time) error {
	if t.Schedule == nil {
		return fmt.Errorf("trigger %q has no schedule", t.ID)
	}
	if !s.tryAcquire(t.ID) {
		s.logger.Debug("schedule trigger still running", logging.TriggerID(t.ID))
		return nil
	}
	ctx = logging.WithTriggerID(ctx, t.ID)
	// Bookkeeping lands before the act starts so a fast act's final status
	// is not overwritten.
	if err := s.updateTriggerStatus(ctx, t, now, StatusStarted); err != nil {
		s.releaseTrigger(t.ID)
		return err
	}
	s.logger.Info("firing schedule trigger", logging.TriggerID(t.ID), slog.String("cron", t.Schedule.Cron))

	act, err := s.starter.CreateAndStart(ctx, engine.NewActRequest{
		Flow:        t.Flow,
		WorkspaceID: t.WorkspaceID,
		Inputs:      maps.Clone(t.Schedule.Inputs),
		Trigger:     &schema.TriggerRef{ID: t.ID, Kind: schema.TriggerSchedule},
	}, executors.Metadata{WorkspaceID: t.WorkspaceID}, s.releaseOnComplete(t.ID))
	if err != nil {
		s.releaseTrigger(t.ID)
		status := StatusError
		if uerr := s.store.UpdateTrigger(context.WithoutCancel(ctx), t.ID, store.TriggerUpdate{LastRunStatus: &status}); uerr != nil {
			s.logger.Warn("record trigger run failed", logging.TriggerID(t.ID), logging.Err(uerr))
		}
		return fmt.Errorf("start act for trigger %q: %w", t.ID, err)
	}
	s.markRunning(t.ID, act.ID)
	return nil
}

// releaseOnComplete frees the trigger and records the act's final status
// once it finishes.
func (s *Scheduler) releaseOnComplete(triggerID string) engine.Listener {
	return engine.Callbacks{
		OnActComplete: func(ctx context.Context, e engine.ActEvent) error {
			s.releaseTrigger(triggerID)
			status := string(e.Status)
			return s.store.UpdateTrigger(context.WithoutCancel(ctx), triggerID, store.TriggerUpdate{LastRunStatus: &status})
		},
	}
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, t *schema.Trigger, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(t.Schedule.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", t.ID, err)
	}

	return s.store.UpdateTrigger(context.WithoutCancel(ctx), t.ID, store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: &status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = ""
	return true
}

func (s *Scheduler) markRunning(triggerID, actID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		s.inflight[triggerID] = actID
	}
}

func (s *Scheduler) releaseTrigger(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// Running returns the act currently running for each in-flight trigger.
func (s *Scheduler) Running() map[string]string {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return maps.Clone(s.inflight)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler loop. Acts already started keep
// running on the engine.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires, once, every trigger whose next run passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	triggers, err := s.enabledTriggers(ctx)
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, t := range triggers {
		if t.NextRunAt == nil || !t.NextRunAt.Before(now) {
			continue
		}
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("failed to recover missed trigger", logging.TriggerID(t.ID), logging.Err(err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
