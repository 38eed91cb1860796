package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/patch"
	"github.com/rendis/actrun/pkg/schema"
)

// Dispatcher executes a generation on the executor for its content type.
type Dispatcher interface {
	Execute(ctx context.Context, gen *schema.Generation, md executors.Metadata) error
}

// RunnerStore is the slice of the store the runner needs.
type RunnerStore interface {
	patch.ActStore
	GenerationStore
}

// RunnerConfig controls how an act is walked.
type RunnerConfig struct {
	// SequenceConcurrency is how many sequences run at once. One keeps
	// strict declaration order.
	SequenceConcurrency int
	// FlushPolicy decides when queued act patches are written.
	FlushPolicy patch.FlushPolicy
}

// DefaultRunnerConfig runs sequences in order and writes the act once, when
// it completes.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{SequenceConcurrency: 1, FlushPolicy: patch.FlushOnComplete}
}

// PanicError is returned from RunAct when dispatching a step panicked.
type PanicError struct {
	GenerationID string
	Value        any
	Stack        []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic executing generation %s: %v", e.GenerationID, e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Runner walks an act's sequences and steps, dispatching each step's
// generation and recording progress through a patch queue.
type Runner struct {
	store      RunnerStore
	fsm        *GenerationFSM
	dispatcher Dispatcher
	waiter     *Waiter
	conditions expressions.Engine
	config     RunnerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a runner. conditions evaluates sequence preconditions
// and may be nil when no flow uses them.
func NewRunner(st RunnerStore, fsm *GenerationFSM, d Dispatcher, w *Waiter, conditions expressions.Engine, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.SequenceConcurrency <= 0 {
		cfg.SequenceConcurrency = 1
	}
	if !cfg.FlushPolicy.Valid() {
		cfg.FlushPolicy = patch.FlushOnComplete
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      st,
		fsm:        fsm,
		dispatcher: d,
		waiter:     w,
		conditions: conditions,
		config:     cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// actRun is the state of one RunAct call.
type actRun struct {
	*Runner
	act      *schema.Act
	queue    *patch.Queue
	listener Listener
	md       executors.Metadata

	mu     sync.Mutex
	mirror *schema.Act
	errs   []error

	totalTask atomic.Int64
	failed    atomic.Bool
	cancelled atomic.Bool
}

// RunAct runs every sequence of the act and returns once it is finished.
// Step failures are recorded on the act, not returned. Infrastructure
// errors and recovered panics are returned, joined, after the final flush.
func (r *Runner) RunAct(ctx context.Context, actID string, listener Listener, md executors.Metadata) error {
	if listener == nil {
		listener = NopListener
	}
	act, err := r.store.GetAct(ctx, actID)
	if err != nil {
		notifyUnstarted(ctx, r.logger, listener, ActEvent{ActID: actID, Status: schema.ActStatusFailed, Err: err})
		return err
	}
	if act.Status.IsTerminal() {
		err := schema.NewErrorf(schema.ErrCodeConflict, "act is already %s", act.Status).WithAct(actID)
		notifyUnstarted(ctx, r.logger, listener, ActEvent{ActID: actID, Status: act.Status, Steps: act.Steps, Duration: act.Duration, Usage: act.Usage, Err: err})
		return err
	}
	if md.ActID == "" {
		md.ActID = actID
	}
	if md.WorkspaceID == "" {
		md.WorkspaceID = act.WorkspaceID
	}

	ctx = logging.WithActID(ctx, actID)
	run := &actRun{
		Runner:   r,
		act:      act,
		queue:    patch.NewQueue(actID, r.store),
		listener: listener,
		md:       md,
		mirror:   act.Clone(),
	}
	run.log(ctx).Info("act started", slog.Int("sequences", len(act.Sequences)), slog.Int("steps", act.StepCount()))

	start := r.now()
	run.add(patch.ActStatus.Set(schema.ActStatusRunning), patch.ActStartedAt.Set(&start))
	run.checkpoint(ctx)

	if r.config.SequenceConcurrency == 1 {
		for i := range act.Sequences {
			run.sequence(ctx, i)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(r.config.SequenceConcurrency)
		for i := range act.Sequences {
			g.Go(func() error {
				run.sequence(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}

	return run.finish(ctx, start)
}

func (r *actRun) finish(ctx context.Context, start time.Time) error {
	status := schema.ActStatusCompleted
	switch {
	case r.failed.Load():
		status = schema.ActStatusFailed
	case r.cancelled.Load() || ctx.Err() != nil:
		status = schema.ActStatusCancelled
	}
	end := r.now()
	r.add(
		patch.ActStatus.Set(status),
		patch.ActCompletedAt.Set(&end),
		patch.ActWallClock.Set(end.Sub(start).Milliseconds()),
		patch.ActTotalTask.Set(r.totalTask.Load()),
	)

	// The run is over; its last writes must land even if ctx was cancelled.
	wctx := context.WithoutCancel(ctx)
	r.mu.Lock()
	final := r.mirror.Clone()
	r.mu.Unlock()
	r.notify(wctx, "ActComplete", func(ctx context.Context) error {
		return r.listener.ActComplete(ctx, ActEvent{
			ActID:    r.act.ID,
			Status:   status,
			Steps:    final.Steps,
			Duration: final.Duration,
			Usage:    final.Usage,
			Err:      r.joined(),
		})
	})

	if err := r.queue.Flush(wctx); err != nil {
		r.log(ctx).Error("flush act patches failed", logging.Err(err), slog.Int("pending", r.queue.Len()))
		r.queue.Discard()
		r.addErr(err)
	}

	err := r.joined()
	log := r.log(ctx).With(logging.Status(status), slog.Int64("wall_clock_ms", final.Duration.WallClock))
	if err != nil {
		log.Error("act finished with errors", logging.Err(err))
	} else {
		log.Info("act finished")
	}
	return err
}

func (r *actRun) sequence(ctx context.Context, i int) {
	seq := r.act.Sequences[i]
	ctx = logging.WithSequenceID(ctx, seq.ID)

	if ctx.Err() != nil {
		r.skip(ctx, i, "act cancelled")
		r.cancelled.Store(true)
		return
	}
	if seq.Condition != "" {
		ok, err := r.condition(ctx, seq.Condition)
		if err != nil {
			r.log(ctx).Warn("sequence condition failed", logging.Err(err))
			r.annotate(schema.AnnotationError, fmt.Sprintf("condition %q: %s", seq.Condition, err.Error()), seq.ID, "")
			r.cancelSteps(ctx, i, 0)
			r.endSequence(ctx, i, schema.ActStatusFailed, err.Error())
			return
		}
		if !ok {
			r.skip(ctx, i, fmt.Sprintf("condition %q is false", seq.Condition))
			return
		}
	}

	seqStart := r.now()
	r.add(patch.SequenceStatus(i).Set(schema.ActStatusRunning))
	r.notify(ctx, "SequenceStart", func(ctx context.Context) error {
		return r.listener.SequenceStart(ctx, r.sequenceEvent(i, schema.ActStatusRunning, ""))
	})

	status := schema.ActStatusCompleted
	reason := ""
	for j := range seq.Steps {
		if ctx.Err() != nil {
			r.cancelSteps(ctx, i, j)
			status, reason = schema.ActStatusCancelled, "act cancelled"
			break
		}
		outcome := r.step(ctx, i, j)
		if outcome == schema.StepStatusCompleted || outcome == schema.StepStatusWarning {
			continue
		}
		r.cancelSteps(ctx, i, j+1)
		if outcome == schema.StepStatusCancelled {
			status, reason = schema.ActStatusCancelled, fmt.Sprintf("step %s cancelled", seq.Steps[j].ID)
		} else {
			status, reason = schema.ActStatusFailed, fmt.Sprintf("step %s failed", seq.Steps[j].ID)
		}
		break
	}
	r.add(patch.SequenceWallClock(i).Set(r.now().Sub(seqStart).Milliseconds()))
	r.endSequence(ctx, i, status, reason)
}

func (r *actRun) endSequence(ctx context.Context, i int, status schema.ActStatus, reason string) {
	r.add(patch.SequenceStatus(i).Set(status))
	switch status {
	case schema.ActStatusFailed:
		r.failed.Store(true)
		r.notify(ctx, "SequenceFail", func(ctx context.Context) error {
			return r.listener.SequenceFail(ctx, r.sequenceEvent(i, status, reason))
		})
	case schema.ActStatusCancelled:
		r.cancelled.Store(true)
		r.notify(ctx, "SequenceFail", func(ctx context.Context) error {
			return r.listener.SequenceFail(ctx, r.sequenceEvent(i, status, reason))
		})
	default:
		r.notify(ctx, "SequenceComplete", func(ctx context.Context) error {
			return r.listener.SequenceComplete(ctx, r.sequenceEvent(i, status, reason))
		})
	}
}

// skip bypasses a whole sequence: every step is cancelled and the sequence
// ends cancelled without counting as a failure.
func (r *actRun) skip(ctx context.Context, i int, reason string) {
	r.cancelSteps(ctx, i, 0)
	r.add(patch.SequenceStatus(i).Set(schema.ActStatusCancelled))
	r.log(ctx).Info("sequence skipped", slog.String("reason", reason))
	r.notify(ctx, "SequenceSkip", func(ctx context.Context) error {
		return r.listener.SequenceSkip(ctx, r.sequenceEvent(i, schema.ActStatusCancelled, reason))
	})
}

func (r *actRun) condition(ctx context.Context, cond string) (bool, error) {
	if r.conditions == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "no condition engine configured")
	}
	scope := &expressions.Scope{
		Inputs:  r.act.Inputs,
		Act:     expressions.ActData(r.act),
		Trigger: expressions.TriggerData(r.act.Trigger),
	}
	return expressions.EvaluateBool(ctx, r.conditions, cond, scope.Data())
}

// step runs one step and returns its final status.
func (r *actRun) step(ctx context.Context, i, j int) schema.StepStatus {
	seq := r.act.Sequences[i]
	st := seq.Steps[j]
	ctx = logging.WithStep(ctx, seq.ID, st.ID, st.GenerationID)
	started := r.now()

	r.moveStep(i, j, st.Status, schema.StepStatusInProgress)

	gen, err := r.dispatch(ctx, st.GenerationID)
	taskMs := int64(0)
	if gen != nil {
		taskMs = gen.Elapsed().Milliseconds()
		if gen.Usage != nil && !gen.Usage.IsZero() {
			u := *gen.Usage
			r.add(
				patch.AddUsage(patch.StepUsage(i, j), u),
				patch.AddUsage(patch.SequenceUsage(i), u),
				patch.AddUsage(patch.ActUsage, u),
			)
		}
	}
	r.totalTask.Add(taskMs)
	r.add(
		patch.StepWallClock(i, j).Set(r.now().Sub(started).Milliseconds()),
		patch.StepTotalTask(i, j).Set(taskMs),
		patch.Increment(patch.SequenceTotalTask(i), taskMs),
	)

	event := StepEvent{ActID: r.act.ID, SequenceIndex: i, StepIndex: j, SequenceID: seq.ID, Step: st, Generation: gen, Err: err}

	var status schema.StepStatus
	switch {
	case err == nil && gen.Status == schema.GenerationCompleted:
		status = schema.StepStatusCompleted
		if len(gen.Warnings) > 0 {
			status = schema.StepStatusWarning
			for _, w := range gen.Warnings {
				r.annotate(schema.AnnotationWarning, w, seq.ID, st.ID)
			}
		}
	case gen != nil && gen.Status == schema.GenerationCancelled:
		status = schema.StepStatusCancelled
	case err == nil && gen != nil && gen.Error != nil:
		status = schema.StepStatusFailed
		r.annotate(schema.AnnotationError, gen.Error.Name+": "+gen.Error.Message, seq.ID, st.ID)
	default:
		status = schema.StepStatusFailed
		msg := "generation failed"
		if err != nil {
			msg = err.Error()
		}
		r.annotate(schema.AnnotationError, msg, seq.ID, st.ID)
	}

	r.moveStep(i, j, schema.StepStatusInProgress, status)
	event.Step.Status = status
	switch status {
	case schema.StepStatusCompleted, schema.StepStatusWarning:
		r.notify(ctx, "StepComplete", func(ctx context.Context) error { return r.listener.StepComplete(ctx, event) })
	default:
		r.notify(ctx, "StepFail", func(ctx context.Context) error { return r.listener.StepFail(ctx, event) })
	}
	return status
}

// dispatch queues the generation, runs its executor and waits for a
// terminal status. Errors and panics from the executor are recovered here:
// the generation is failed (or cancelled, when the act was cancelled) and
// the last stored state is returned along with the error.
func (r *actRun) dispatch(ctx context.Context, genID string) (gen *schema.Generation, err error) {
	gen, err = r.store.GetGeneration(ctx, genID)
	if err != nil {
		r.addErr(err)
		return nil, err
	}

	// Background work started for this step, such as a language model call,
	// is aborted once the step is settled. Runs after abandon below.
	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	defer func() {
		if rec := recover(); rec != nil {
			perr := &PanicError{GenerationID: genID, Value: rec, Stack: debug.Stack()}
			r.log(ctx).Error("step dispatch panicked", slog.Any("panic", rec), slog.String("stack", string(perr.Stack)))
			err = perr
		}
		if err != nil {
			gen = r.abandon(ctx, genID, gen, err)
		}
	}()

	if gen.Status == schema.GenerationCreated {
		if err := r.fsm.Transition(stepCtx, gen, schema.GenerationQueued); err != nil {
			return gen, err
		}
	}
	if err := r.dispatcher.Execute(stepCtx, gen, r.md); err != nil {
		return gen, err
	}
	if executors.IsAsync(gen.ContentType()) {
		return r.waiter.Wait(stepCtx, genID)
	}
	latest, err := r.store.GetGeneration(stepCtx, genID)
	if err != nil {
		return gen, err
	}
	if !latest.Status.IsTerminal() {
		return latest, schema.NewErrorf(schema.ErrCodeExecution,
			"%s executor returned with generation %s still %s", latest.ContentType(), genID, latest.Status)
	}
	return latest, nil
}

// abandon settles a generation whose dispatch failed and records err unless
// it was caused by the act being cancelled.
func (r *actRun) abandon(ctx context.Context, genID string, gen *schema.Generation, err error) *schema.Generation {
	wctx := context.WithoutCancel(ctx)
	if latest, lerr := r.store.GetGeneration(wctx, genID); lerr == nil {
		gen = latest
	}
	if gen == nil {
		return nil
	}

	if ctx.Err() != nil {
		if cerr := r.fsm.Cancel(wctx, gen); cerr != nil {
			r.addErr(cerr)
		}
		return gen
	}

	r.log(ctx).Error("step dispatch failed", logging.Err(err))
	r.addErr(err)
	name := "ExecutionError"
	var perr *PanicError
	if errors.As(err, &perr) {
		name = "PanicError"
	}
	if ferr := r.fsm.Fail(wctx, gen, name, err.Error()); ferr != nil {
		r.addErr(ferr)
	}
	return gen
}

// cancelSteps cancels steps from index onward in sequence i.
func (r *actRun) cancelSteps(ctx context.Context, i, from int) {
	wctx := context.WithoutCancel(ctx)
	steps := r.act.Sequences[i].Steps
	for j := from; j < len(steps); j++ {
		st := steps[j]
		if st.Status.IsTerminal() {
			continue
		}
		r.moveStep(i, j, st.Status, schema.StepStatusCancelled)
		gen, err := r.store.GetGeneration(wctx, st.GenerationID)
		if err != nil {
			if !schema.IsNotFound(err) {
				r.addErr(err)
			}
			continue
		}
		if err := r.fsm.Cancel(wctx, gen); err != nil {
			r.addErr(err)
		}
	}
}

func (r *actRun) moveStep(i, j int, from, to schema.StepStatus) {
	move, err := patch.MoveStep(orQueued(from), to)
	if err != nil {
		r.addErr(err)
		return
	}
	r.add(append(move, patch.StepStatus(i, j).Set(to))...)
}

func (r *actRun) annotate(level, msg, seqID, stepID string) {
	r.add(patch.Push(patch.Annotations, schema.Annotation{
		Level:      level,
		Message:    msg,
		SequenceID: seqID,
		StepID:     stepID,
		CreatedAt:  r.now(),
	}))
}

func (r *actRun) sequenceEvent(i int, status schema.ActStatus, reason string) SequenceEvent {
	r.mu.Lock()
	seq := r.mirror.Sequences[i]
	seq.Steps = append([]schema.Step(nil), seq.Steps...)
	r.mu.Unlock()
	seq.Status = status
	return SequenceEvent{ActID: r.act.ID, Index: i, Sequence: seq, Reason: reason}
}

// add queues patches and applies them to the in-memory mirror used for
// listener events.
func (r *actRun) add(ps ...patch.Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := patch.Apply(r.mirror, ps...)
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.mirror = next
	r.queue.Add(ps...)
}

// notify calls a listener inside its own recover boundary. Listener errors
// and panics are logged and dropped.
func (r *actRun) notify(ctx context.Context, event string, fn func(ctx context.Context) error) {
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log(ctx).Error("listener panicked", slog.String("event", event), slog.Any("panic", rec))
			}
		}()
		if err := fn(ctx); err != nil {
			r.log(ctx).Warn("listener failed", slog.String("event", event), logging.Err(err))
		}
	}()
	if event != "ActComplete" {
		r.checkpoint(ctx)
	}
}

// notifyUnstarted sends ActComplete for a run that ended before it began, so
// listeners waiting on the act's end are released.
func notifyUnstarted(ctx context.Context, logger *slog.Logger, l Listener, e ActEvent) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, logger).With(logging.ActID(e.ActID))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("listener panicked", slog.String("event", "ActComplete"), slog.Any("panic", rec))
		}
	}()
	if err := l.ActComplete(ctx, e); err != nil {
		log.Warn("listener failed", slog.String("event", "ActComplete"), logging.Err(err))
	}
}

// checkpoint flushes under FlushEachEvent.
func (r *actRun) checkpoint(ctx context.Context) {
	if r.config.FlushPolicy != patch.FlushEachEvent {
		return
	}
	if err := r.queue.Flush(context.WithoutCancel(ctx)); err != nil {
		r.log(ctx).Warn("incremental flush failed", logging.Err(err))
	}
}

func (r *actRun) addErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *actRun) joined() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *actRun) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, r.logger)
}
