// Package patch describes Act updates as path-addressed patches that are
// queued during a run and applied to a fresh copy of the stored Act.
package patch

import (
	"fmt"
	"time"

	"github.com/rendis/actrun/pkg/schema"
)

// Op is the kind of update a Patch performs.
type Op string

const (
	OpSet       Op = "set"
	OpIncrement Op = "increment"
	OpDecrement Op = "decrement"
	OpPush      Op = "push"
)

// Patch is one update to a single Act field.
type Patch struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Value any    `json:"value,omitempty"`

	apply func(*schema.Act) error
}

// String renders the patch for logs.
func (p Patch) String() string {
	return fmt.Sprintf("%s %s %v", p.Op, p.Path, p.Value)
}

// Apply runs the patches in order against a copy of act and returns it.
// act itself is never modified; on error the copy is discarded.
func Apply(act *schema.Act, patches ...Patch) (*schema.Act, error) {
	out := act.Clone()
	for _, p := range patches {
		if p.apply == nil {
			return nil, fmt.Errorf("patch %s: empty", p.Path)
		}
		if err := p.apply(out); err != nil {
			return nil, fmt.Errorf("patch %s: %w", p, err)
		}
	}
	return out, nil
}

// Number is the set of field types a Lens can increment.
type Number interface {
	~int | ~int64
}

// Lens focuses on one field of an Act.
type Lens[T any] struct {
	path  string
	focus func(*schema.Act) (*T, error)
}

// Path returns the dotted path of the focused field.
func (l Lens[T]) Path() string { return l.path }

// Set replaces the focused value.
func (l Lens[T]) Set(v T) Patch {
	return Patch{Path: l.path, Op: OpSet, Value: v, apply: func(a *schema.Act) error {
		p, err := l.focus(a)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}}
}

// Modify applies fn to the focused value. Modify patches are not
// serializable and are meant for aggregate fields such as Usage.
func (l Lens[T]) Modify(desc string, fn func(T) T) Patch {
	return Patch{Path: l.path, Op: Op(desc), apply: func(a *schema.Act) error {
		p, err := l.focus(a)
		if err != nil {
			return err
		}
		*p = fn(*p)
		return nil
	}}
}

// Increment adds delta to a numeric field.
func Increment[T Number](l Lens[T], delta T) Patch {
	return Patch{Path: l.path, Op: OpIncrement, Value: delta, apply: func(a *schema.Act) error {
		p, err := l.focus(a)
		if err != nil {
			return err
		}
		*p += delta
		return nil
	}}
}

// Decrement subtracts delta from a numeric field.
func Decrement[T Number](l Lens[T], delta T) Patch {
	return Patch{Path: l.path, Op: OpDecrement, Value: delta, apply: func(a *schema.Act) error {
		p, err := l.focus(a)
		if err != nil {
			return err
		}
		*p -= delta
		return nil
	}}
}

// Push appends items to a slice field.
func Push[T any](l Lens[[]T], items ...T) Patch {
	return Patch{Path: l.path, Op: OpPush, Value: items, apply: func(a *schema.Act) error {
		p, err := l.focus(a)
		if err != nil {
			return err
		}
		*p = append(*p, items...)
		return nil
	}}
}

// --- Act lenses ---

func field[T any](path string, fn func(*schema.Act) *T) Lens[T] {
	return Lens[T]{path: path, focus: func(a *schema.Act) (*T, error) { return fn(a), nil }}
}

var (
	ActStatus      = field("status", func(a *schema.Act) *schema.ActStatus { return &a.Status })
	ActStartedAt   = field("startedAt", func(a *schema.Act) **time.Time { return &a.StartedAt })
	ActCompletedAt = field("completedAt", func(a *schema.Act) **time.Time { return &a.CompletedAt })
	ActUsage       = field("usage", func(a *schema.Act) *schema.Usage { return &a.Usage })
	ActWallClock   = field("duration.wallClock", func(a *schema.Act) *int64 { return &a.Duration.WallClock })
	ActTotalTask   = field("duration.totalTask", func(a *schema.Act) *int64 { return &a.Duration.TotalTask })
	Annotations    = field("annotations", func(a *schema.Act) *[]schema.Annotation { return &a.Annotations })

	StepsQueued     = field("steps.queued", func(a *schema.Act) *int { return &a.Steps.Queued })
	StepsInProgress = field("steps.inProgress", func(a *schema.Act) *int { return &a.Steps.InProgress })
	StepsCompleted  = field("steps.completed", func(a *schema.Act) *int { return &a.Steps.Completed })
	StepsWarning    = field("steps.warning", func(a *schema.Act) *int { return &a.Steps.Warning })
	StepsCancelled  = field("steps.cancelled", func(a *schema.Act) *int { return &a.Steps.Cancelled })
	StepsFailed     = field("steps.failed", func(a *schema.Act) *int { return &a.Steps.Failed })
)

// StepsCounter returns the counter lens for a step status.
func StepsCounter(s schema.StepStatus) (Lens[int], error) {
	switch s {
	case schema.StepStatusQueued:
		return StepsQueued, nil
	case schema.StepStatusInProgress:
		return StepsInProgress, nil
	case schema.StepStatusCompleted:
		return StepsCompleted, nil
	case schema.StepStatusWarning:
		return StepsWarning, nil
	case schema.StepStatusCancelled:
		return StepsCancelled, nil
	case schema.StepStatusFailed:
		return StepsFailed, nil
	}
	return Lens[int]{}, fmt.Errorf("no counter for step status %q", s)
}

// MoveStep moves one step between counters.
func MoveStep(from, to schema.StepStatus) ([]Patch, error) {
	src, err := StepsCounter(from)
	if err != nil {
		return nil, err
	}
	dst, err := StepsCounter(to)
	if err != nil {
		return nil, err
	}
	return []Patch{Decrement(src, 1), Increment(dst, 1)}, nil
}

// --- Sequence and step lenses ---

func sequenceAt(a *schema.Act, i int) (*schema.Sequence, error) {
	if i < 0 || i >= len(a.Sequences) {
		return nil, fmt.Errorf("sequence index %d out of range [0,%d)", i, len(a.Sequences))
	}
	return &a.Sequences[i], nil
}

func stepAt(a *schema.Act, i, j int) (*schema.Step, error) {
	seq, err := sequenceAt(a, i)
	if err != nil {
		return nil, err
	}
	if j < 0 || j >= len(seq.Steps) {
		return nil, fmt.Errorf("step index %d out of range [0,%d) in sequence %d", j, len(seq.Steps), i)
	}
	return &seq.Steps[j], nil
}

func sequenceField[T any](i int, name string, fn func(*schema.Sequence) *T) Lens[T] {
	return Lens[T]{
		path: fmt.Sprintf("sequences.%d.%s", i, name),
		focus: func(a *schema.Act) (*T, error) {
			seq, err := sequenceAt(a, i)
			if err != nil {
				return nil, err
			}
			return fn(seq), nil
		},
	}
}

func stepField[T any](i, j int, name string, fn func(*schema.Step) *T) Lens[T] {
	return Lens[T]{
		path: fmt.Sprintf("sequences.%d.steps.%d.%s", i, j, name),
		focus: func(a *schema.Act) (*T, error) {
			step, err := stepAt(a, i, j)
			if err != nil {
				return nil, err
			}
			return fn(step), nil
		},
	}
}

func SequenceStatus(i int) Lens[schema.ActStatus] {
	return sequenceField(i, "status", func(s *schema.Sequence) *schema.ActStatus { return &s.Status })
}

func SequenceUsage(i int) Lens[schema.Usage] {
	return sequenceField(i, "usage", func(s *schema.Sequence) *schema.Usage { return &s.Usage })
}

func SequenceWallClock(i int) Lens[int64] {
	return sequenceField(i, "duration.wallClock", func(s *schema.Sequence) *int64 { return &s.Duration.WallClock })
}

func SequenceTotalTask(i int) Lens[int64] {
	return sequenceField(i, "duration.totalTask", func(s *schema.Sequence) *int64 { return &s.Duration.TotalTask })
}

func StepStatus(i, j int) Lens[schema.StepStatus] {
	return stepField(i, j, "status", func(s *schema.Step) *schema.StepStatus { return &s.Status })
}

func StepUsage(i, j int) Lens[schema.Usage] {
	return stepField(i, j, "usage", func(s *schema.Step) *schema.Usage { return &s.Usage })
}

func StepWallClock(i, j int) Lens[int64] {
	return stepField(i, j, "duration.wallClock", func(s *schema.Step) *int64 { return &s.Duration.WallClock })
}

func StepTotalTask(i, j int) Lens[int64] {
	return stepField(i, j, "duration.totalTask", func(s *schema.Step) *int64 { return &s.Duration.TotalTask })
}

// AddUsage adds u to the focused usage.
func AddUsage(l Lens[schema.Usage], u schema.Usage) Patch {
	p := l.Modify("addUsage", func(cur schema.Usage) schema.Usage { return cur.Add(u) })
	p.Value = u
	return p
}
