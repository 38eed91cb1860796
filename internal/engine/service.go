package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/patch"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/pkg/schema"
)

// DefaultPoolSize is the number of acts run concurrently by default.
const DefaultPoolSize = 10

// FlowValidator checks flow definitions and act inputs before an act is
// created.
type FlowValidator interface {
	ValidateFlow(flow *schema.FlowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	PoolSize int
	Runner   RunnerConfig
}

// Service creates acts and runs them in the background on a worker pool.
type Service struct {
	store     store.Store
	fsm       *GenerationFSM
	runner    *Runner
	pool      *WorkerPool
	validator FlowValidator
	listener  Listener
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*inflight
	closing bool
	// pending counts StartAct calls still waiting for a pool slot.
	pending sync.WaitGroup
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires a service. validator may be nil to skip validation;
// listener receives the events of every run in addition to the per-run
// listener given to StartAct.
func NewService(st store.Store, fsm *GenerationFSM, runner *Runner, validator FlowValidator, listener Listener, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if listener == nil {
		listener = NopListener
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     st,
		fsm:       fsm,
		runner:    runner,
		validator: validator,
		listener:  listener,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]*inflight),
	}
	s.pool = NewWorkerPool(cfg.PoolSize, func(rec any) {
		s.logger.Error("act run panicked", slog.Any("panic", rec))
	})
	return s
}

// CreateAct validates the flow and inputs, then persists a queued act and
// its generations.
func (s *Service) CreateAct(ctx context.Context, req NewActRequest) (*schema.Act, error) {
	if s.validator != nil {
		if err := s.validator.ValidateFlow(&req.Flow); err != nil {
			return nil, err
		}
		if len(req.Flow.InputSchema) > 0 {
			if err := s.validator.ValidateInput(req.Inputs, req.Flow.InputSchema); err != nil {
				return nil, err
			}
		}
	}

	act, gens, err := NewAct(req, s.now())
	if err != nil {
		return nil, err
	}
	for _, gen := range gens {
		if err := s.fsm.Create(ctx, gen); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetAct(ctx, act); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist act: %s", err.Error()).WithAct(act.ID).WithCause(err)
	}
	logging.LogWith(ctx, s.logger).Info("act created",
		logging.ActID(act.ID),
		slog.String("flow", act.FlowName),
		slog.Int("steps", act.StepCount()))
	return act, nil
}

// StartAct queues the act for a pool slot and returns without waiting for
// one. The run is detached from ctx's cancellation; use Cancel to stop it.
// An act that never gets a slot, because it was cancelled or the service
// shut down while it waited, is settled as cancelled.
func (s *Service) StartAct(ctx context.Context, actID string, md executors.Metadata, l Listener) error {
	s.mu.Lock()
	closing := s.closing
	if !closing {
		s.pending.Add(1)
	}
	s.mu.Unlock()
	if closing {
		s.settleUnstarted(ctx, actID, nil, ErrPoolShutdown)
		return schema.NewErrorf(schema.ErrCodeExecution, "schedule act %s: %s", actID, ErrPoolShutdown.Error()).
			WithAct(actID).WithCause(ErrPoolShutdown)
	}

	runCtx, run, err := s.register(ctx, actID)
	if err != nil {
		s.pending.Done()
		return err
	}
	go func() {
		defer s.pending.Done()
		err := s.pool.Submit(runCtx, func(context.Context) error {
			defer s.unregister(actID, run)
			return s.runner.RunAct(runCtx, actID, s.listeners(l), md)
		})
		if err == nil {
			return
		}
		defer s.unregister(actID, run)
		s.settleUnstarted(runCtx, actID, s.listeners(l), err)
	}()
	return nil
}

// settleUnstarted cancels an act that could not be given a pool slot so it
// is not left queued. A non-nil l is told the act completed.
func (s *Service) settleUnstarted(ctx context.Context, actID string, l Listener, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, s.logger)
	log.Warn("act never started", logging.ActID(actID), logging.Err(cause))
	err := s.cancelQueued(ctx, actID)
	if err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
		log.Error("settle unstarted act failed", logging.ActID(actID), logging.Err(err))
	}
	if l == nil {
		return
	}
	e := ActEvent{ActID: actID, Status: schema.ActStatusCancelled, Err: cause}
	if act, gerr := s.store.GetAct(ctx, actID); gerr == nil {
		e.Status, e.Steps, e.Duration, e.Usage = act.Status, act.Steps, act.Duration, act.Usage
	}
	notifyUnstarted(ctx, s.logger, l, e)
}

// RunAct runs the act and blocks until it is finished or ctx is done.
func (s *Service) RunAct(ctx context.Context, actID string, md executors.Metadata, l Listener) error {
	runCtx, run, err := s.register(ctx, actID)
	if err != nil {
		return err
	}
	defer s.unregister(actID, run)

	// Keep ctx's cancellation for a synchronous run.
	stop := context.AfterFunc(ctx, run.cancel)
	defer stop()
	return s.runner.RunAct(runCtx, actID, s.listeners(l), md)
}

// CreateAndStart creates an act and starts it in the background.
func (s *Service) CreateAndStart(ctx context.Context, req NewActRequest, md executors.Metadata, l Listener) (*schema.Act, error) {
	act, err := s.CreateAct(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.StartAct(ctx, act.ID, md, l); err != nil {
		return act, err
	}
	return act, nil
}

// Cancel stops an act. A running act has its context cancelled and ends
// cancelled once its current step settles. An act that never started is
// cancelled in place.
func (s *Service) Cancel(ctx context.Context, actID string) error {
	s.mu.Lock()
	run, ok := s.running[actID]
	s.mu.Unlock()
	if ok {
		run.cancel()
		logging.LogWith(ctx, s.logger).Info("act cancellation requested", logging.ActID(actID))
		return nil
	}
	return s.cancelQueued(ctx, actID)
}

// cancelQueued cancels an act that is not running, with its remaining steps
// and generations.
func (s *Service) cancelQueued(ctx context.Context, actID string) error {
	act, err := s.store.GetAct(ctx, actID)
	if err != nil {
		return err
	}
	if act.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "act is already %s", act.Status).WithAct(actID)
	}

	q := patch.NewQueue(actID, s.store)
	for i, seq := range act.Sequences {
		for j, st := range seq.Steps {
			if st.Status.IsTerminal() {
				continue
			}
			move, err := patch.MoveStep(orQueued(st.Status), schema.StepStatusCancelled)
			if err != nil {
				return err
			}
			q.Add(move...)
			q.Add(patch.StepStatus(i, j).Set(schema.StepStatusCancelled))

			gen, err := s.store.GetGeneration(ctx, st.GenerationID)
			switch {
			case err == nil:
				if err := s.fsm.Cancel(ctx, gen); err != nil {
					return err
				}
			case !schema.IsNotFound(err):
				return err
			}
		}
		if !seq.Status.IsTerminal() {
			q.Add(patch.SequenceStatus(i).Set(schema.ActStatusCancelled))
		}
	}
	now := s.now()
	q.Add(patch.ActStatus.Set(schema.ActStatusCancelled), patch.ActCompletedAt.Set(&now))
	if err := q.Flush(ctx); err != nil {
		return err
	}
	logging.LogWith(ctx, s.logger).Info("queued act cancelled", logging.ActID(actID))
	return nil
}

// Wait blocks until the in-flight run of actID finishes. It returns
// immediately when the act is not running.
func (s *Service) Wait(ctx context.Context, actID string) error {
	s.mu.Lock()
	run, ok := s.running[actID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of acts currently in flight.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns the worker pool counters.
func (s *Service) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// Shutdown stops accepting acts and waits for running ones. When ctx is
// done first, every in-flight act is cancelled and Shutdown keeps waiting
// for them to record their cancellation.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.pool.Shutdown()
		s.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, run := range s.running {
		run.cancel()
	}
	s.mu.Unlock()
	<-drained
	return ctx.Err()
}

func (s *Service) register(ctx context.Context, actID string) (context.Context, *inflight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[actID]; ok {
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "act is already running").WithAct(actID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &inflight{cancel: cancel, done: make(chan struct{})}
	s.running[actID] = run
	return runCtx, run, nil
}

func (s *Service) unregister(actID string, run *inflight) {
	s.mu.Lock()
	if s.running[actID] == run {
		delete(s.running, actID)
	}
	s.mu.Unlock()
	run.cancel()
	close(run.done)
}

func (s *Service) listeners(l Listener) Listener {
	if l == nil {
		return s.listener
	}
	return Listeners{s.listener, l}
}

func orQueued(s schema.StepStatus) schema.StepStatus {
	if s == "" {
		return schema.StepStatusQueued
	}
	return s
}
