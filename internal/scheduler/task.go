package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Work is a unit of deferred work. Returning ErrCancelTask unschedules the task.
type Work func(ctx context.Context) error

// Func adapts a plain callable into Work.
func Func(fn func()) Work {
	if fn == nil {
		return nil
	}
	return func(context.Context) error {
		fn()
		return nil
	}
}

// Options describe when and how a task runs.
type Options struct {
	// Name labels the task in logs, events and the journal. Optional.
	Name string

	Stages StageSet
	// Priority orders tasks within a stage; lower runs first.
	Priority int
	// Delay must accumulate before the first firing.
	Delay time.Duration

	// Repeat keeps the task scheduled after it fires.
	Repeat bool
	// Period is the accumulated time between firings of a repeating task.
	// Zero fires on every pass of its stages.
	Period time.Duration

	// Async dispatches the work to its own goroutine instead of running it
	// inline on the frame goroutine.
	Async bool
}

func (o Options) validate() error {
	if o.Stages.Empty() {
		return ErrEmptyStages
	}
	if !o.Stages.valid() {
		return fmt.Errorf("%w in %s", ErrUnknownStage, o.Stages)
	}
	if o.Priority < 0 {
		return fmt.Errorf("%w (got %d)", ErrNegativePriority, o.Priority)
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w (got %s)", ErrNegativeDelay, o.Delay)
	}
	if o.Period < 0 {
		return fmt.Errorf("%w (got %s)", ErrNegativePeriod, o.Period)
	}
	return nil
}

// task is the canonical record owned by a Registry.
//
// Identity and options are immutable after registration. The accumulators are
// advanced only by the frame goroutine; they are atomics so diagnostics can read
// them from elsewhere.
type task struct {
	id       int64
	name     string
	stages   StageSet
	priority int
	delay    time.Duration
	repeat   bool
	period   time.Duration
	async    bool
	work     Work

	elapsedDelay  atomic.Int64
	elapsedPeriod atomic.Int64
	cancelled     atomic.Bool

	fires  atomic.Uint64
	faults atomic.Uint64

	faultLog   *rate.Limiter
	suppressed atomic.Uint64
}

func newTask(work Work, opt Options) *task {
	t := &task{
		name:     opt.Name,
		stages:   opt.Stages,
		priority: opt.Priority,
		delay:    opt.Delay,
		repeat:   opt.Repeat,
		period:   opt.Period,
		async:    opt.Async,
		work:     work,
		faultLog: rate.NewLimiter(rate.Every(defaultFaultLogEvery), 1),
	}
	// The first firing is gated by delay alone.
	t.elapsedPeriod.Store(int64(opt.Period))
	return t
}

func (t *task) label() string {
	if t.name != "" {
		return t.name
	}
	return fmt.Sprintf("task#%d", t.id)
}

// cancel reports whether this call moved the task to cancelled.
func (t *task) cancel() bool { return t.cancelled.CompareAndSwap(false, true) }

// advance adds dt to the accumulators and reports whether the task may fire.
func (t *task) advance(dt time.Duration) bool {
	ed := time.Duration(t.elapsedDelay.Add(int64(dt)))
	if !t.repeat {
		return ed >= t.delay
	}
	ep := time.Duration(t.elapsedPeriod.Add(int64(dt)))
	return ed >= t.delay && ep >= t.period
}

func (t *task) state() State {
	if t.cancelled.Load() {
		return StateCancelled
	}
	if time.Duration(t.elapsedDelay.Load()) < t.delay {
		return StatePending
	}
	if t.repeat && time.Duration(t.elapsedPeriod.Load()) < t.period {
		return StatePending
	}
	return StateEligible
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:            t.id,
		Name:          t.name,
		Stages:        t.stages,
		Priority:      t.priority,
		Delay:         t.delay,
		Repeat:        t.repeat,
		Period:        t.period,
		Async:         t.async,
		ElapsedDelay:  time.Duration(t.elapsedDelay.Load()),
		ElapsedPeriod: time.Duration(t.elapsedPeriod.Load()),
		State:         t.state(),
		Fires:         t.fires.Load(),
		Faults:        t.faults.Load(),
	}
}

// Handle is the caller's reference to a registered task.
type Handle struct {
	t *task
}

// Cancel stops all future firings of the task. It is idempotent, safe from any
// goroutine, and may be called from inside the task's own work. A synchronous
// firing already in progress is not interrupted.
func (h *Handle) Cancel() {
	if h == nil || h.t == nil {
		return
	}
	h.t.cancel()
}

// State is the diagnostic lifecycle state of a task.
type State int

const (
	StatePending State = iota
	StateEligible
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEligible:
		return "eligible"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskInfo is a read-only copy of a task record.
type TaskInfo struct {
	ID            int64
	Name          string
	Stages        StageSet
	Priority      int
	Delay         time.Duration
	Repeat        bool
	Period        time.Duration
	Async         bool
	ElapsedDelay  time.Duration
	ElapsedPeriod time.Duration
	State         State
	Fires         uint64
	Faults        uint64
}
