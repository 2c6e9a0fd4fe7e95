package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"framesched/internal/eventbus"
	"framesched/internal/runtime/supervisor"
	logx "framesched/pkg/logx"
)

const defaultFaultLogEvery = time.Second

// Config holds the runtime-tunable knobs of a Scheduler.
type Config struct {
	// SlowTask warns about synchronous work running longer than this. 0 disables.
	SlowTask time.Duration
	// FaultLogEvery is the minimum interval between fault logs of the same task.
	// 0 uses one second; negative logs every fault.
	FaultLogEvery time.Duration
}

func (c Config) faultLimit() rate.Limit {
	switch {
	case c.FaultLogEvery < 0:
		return rate.Inf
	case c.FaultLogEvery == 0:
		return rate.Every(defaultFaultLogEvery)
	default:
		return rate.Every(c.FaultLogEvery)
	}
}

// Scheduler registers tasks and executes them stage by stage.
type Scheduler struct {
	reg *Registry
	log logx.Logger
	bus eventbus.Bus
	sup *supervisor.Supervisor
	cfg atomic.Pointer[Config]

	registered    atomic.Uint64
	fired         atomic.Uint64
	faulted       atomic.Uint64
	selfCancelled atomic.Uint64
	dispatched    atomic.Uint64
	removed       atomic.Uint64
}

// New creates a scheduler with an empty registry. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	log = log.With(logx.String("comp", "scheduler"))
	s := &Scheduler{
		reg: NewRegistry(),
		log: log,
		bus: bus,
		sup: supervisor.New(context.Background(),
			supervisor.WithLogger(log),
			supervisor.WithStatKey(taskStatKey),
		),
	}
	s.cfg.Store(&cfg)
	return s
}

// taskStatKey groups the async goroutines "task.<id>" into one stats row.
func taskStatKey(name string) string {
	if strings.HasPrefix(name, "task.") {
		return "task"
	}
	return name
}

// Apply swaps the runtime config. Safe to call while ticking.
func (s *Scheduler) Apply(cfg Config) { s.cfg.Store(&cfg) }

func (s *Scheduler) Config() Config { return *s.cfg.Load() }

// Registry exposes the underlying task registry.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Schedule registers work with the given options.
func (s *Scheduler) Schedule(work Work, opt Options) (*Handle, error) {
	lim := s.Config().faultLimit()
	t, err := s.reg.register(work, opt, func(t *task) {
		t.faultLog = rate.NewLimiter(lim, 1)
	})
	if err != nil {
		if opt.Name != "" {
			return nil, fmt.Errorf("schedule %q: %w", opt.Name, err)
		}
		return nil, fmt.Errorf("schedule: %w", err)
	}
	s.registered.Add(1)
	s.log.Debug("task registered",
		logx.Int64("task_id", t.id),
		logx.String("task", t.label()),
		logx.String("stages", t.stages.String()),
		logx.Int("priority", t.priority),
		logx.Duration("delay", t.delay),
		logx.Bool("repeat", t.repeat),
		logx.Duration("period", t.period),
		logx.Bool("async", t.async),
	)
	s.publish(eventbus.TaskRegistered, t, "", 0, nil)
	return &Handle{t: t}, nil
}

// Plan runs work once, on the next pass of any of stages.
func (s *Scheduler) Plan(stages StageSet, priority int, work Work) (*Handle, error) {
	return s.Schedule(work, Options{Stages: stages, Priority: priority})
}

// Delay runs work once, after delay has accumulated.
func (s *Scheduler) Delay(stages StageSet, priority int, delay time.Duration, work Work) (*Handle, error) {
	return s.Schedule(work, Options{Stages: stages, Priority: priority, Delay: delay})
}

// PlanRepeated runs work every period until cancelled. The first firing is immediate.
func (s *Scheduler) PlanRepeated(stages StageSet, priority int, period time.Duration, work Work) (*Handle, error) {
	return s.Schedule(work, Options{Stages: stages, Priority: priority, Repeat: true, Period: period})
}

// DelayRepeated runs work every period once delay has accumulated.
func (s *Scheduler) DelayRepeated(stages StageSet, priority int, period, delay time.Duration, work Work) (*Handle, error) {
	return s.Schedule(work, Options{Stages: stages, Priority: priority, Delay: delay, Repeat: true, Period: period})
}

// Execute runs one pass of stage: every live task subscribed to it has dt added
// to its accumulators and fires if eligible, in (priority, id) order.
//
// Tasks registered during the pass are not considered until the next pass.
// Tasks cancelled during the pass are skipped.
func (s *Scheduler) Execute(ctx context.Context, stage Stage, dt time.Duration) {
	for _, t := range s.reg.snapshotForStage(stage) {
		if t.cancelled.Load() {
			continue
		}
		if !t.advance(dt) {
			continue
		}
		if t.async {
			s.dispatch(stage, t)
			continue
		}
		start := time.Now()
		err := invoke(ctx, t)
		took := time.Since(start)
		s.settle(stage, t, err, took, false)
		if cfg := s.Config(); cfg.SlowTask > 0 && took > cfg.SlowTask {
			s.log.Warn("slow task",
				logx.Int64("task_id", t.id),
				logx.String("task", t.label()),
				logx.String("stage", stage.String()),
				logx.Duration("took", took),
				logx.Duration("threshold", cfg.SlowTask),
			)
			s.publish(eventbus.TaskSlow, t, stage.String(), took, nil)
		}
	}
}

// dispatch hands an eligible async task to its own goroutine. The schedule is
// advanced here, on the frame goroutine; the outcome is applied when the work
// returns.
func (s *Scheduler) dispatch(stage Stage, t *task) {
	if t.repeat {
		t.elapsedPeriod.Store(0)
	} else {
		t.cancel()
	}
	s.dispatched.Add(1)
	s.sup.Go0(fmt.Sprintf("task.%d", t.id), func(ctx context.Context) {
		start := time.Now()
		err := invoke(ctx, t)
		s.settle(stage, t, err, time.Since(start), true)
	})
}

func invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &supervisor.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.work(ctx)
}

// settle applies the outcome of one firing.
func (s *Scheduler) settle(stage Stage, t *task, err error, took time.Duration, async bool) {
	switch {
	case err == nil:
		t.fires.Add(1)
		s.fired.Add(1)
		if t.repeat {
			if !async {
				t.elapsedPeriod.Store(0)
			}
			return
		}
		t.cancel()
		s.publish(eventbus.TaskCompleted, t, stage.String(), took, nil)

	case errors.Is(err, ErrCancelTask):
		t.fires.Add(1)
		s.fired.Add(1)
		t.cancel()
		s.selfCancelled.Add(1)
		s.log.Debug("task cancelled itself",
			logx.Int64("task_id", t.id),
			logx.String("task", t.label()),
			logx.String("stage", stage.String()),
		)
		s.publish(eventbus.TaskCancelled, t, stage.String(), took, nil)

	default:
		t.faults.Add(1)
		s.faulted.Add(1)
		s.logFault(stage, t, err, async)
		s.publish(eventbus.TaskFaulted, t, stage.String(), took, err)
	}
}

func (s *Scheduler) logFault(stage Stage, t *task, err error, async bool) {
	if lim := s.Config().faultLimit(); t.faultLog.Limit() != lim {
		t.faultLog.SetLimit(lim)
	}
	if !t.faultLog.Allow() {
		t.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.Int64("task_id", t.id),
		logx.String("task", t.label()),
		logx.String("stage", stage.String()),
		logx.Bool("async", async),
		logx.Uint64("faults", t.faults.Load()),
		logx.Err(err),
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	var pe *supervisor.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
		s.log.Error("task panicked", fields...)
		return
	}
	s.log.Warn("task failed", fields...)
}

func (s *Scheduler) publish(typ string, t *task, stage string, took time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.TaskEvent{
		ID:       t.id,
		Name:     t.name,
		Stage:    stage,
		Async:    t.async,
		Duration: took,
	}
	if err != nil {
		ev.Error = err.Error()
		var pe *supervisor.PanicError
		ev.Panic = errors.As(err, &pe)
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Compact removes cancelled tasks from the registry.
func (s *Scheduler) Compact() int {
	n := s.reg.Compact()
	if n > 0 {
		s.removed.Add(uint64(n))
	}
	return n
}

// Stats is a point-in-time summary of scheduler activity.
type Stats struct {
	Registered      uint64 `json:"registered"`
	Live            int    `json:"live"`
	Fired           uint64 `json:"fired"`
	Faulted         uint64 `json:"faulted"`
	SelfCancelled   uint64 `json:"self_cancelled"`
	AsyncDispatched uint64 `json:"async_dispatched"`
	AsyncActive     int64  `json:"async_active"`
	Removed         uint64 `json:"removed"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Registered:      s.registered.Load(),
		Live:            s.reg.live(),
		Fired:           s.fired.Load(),
		Faulted:         s.faulted.Load(),
		SelfCancelled:   s.selfCancelled.Load(),
		AsyncDispatched: s.dispatched.Load(),
		AsyncActive:     s.sup.Counters().Active,
		Removed:         s.removed.Load(),
	}
}

// AsyncSnapshot reports the goroutines used for async work.
func (s *Scheduler) AsyncSnapshot() supervisor.Snapshot { return s.sup.Snapshot() }

// Close cancels the context handed to in-flight async work and waits for it
// to return, or for ctx to be done.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.sup.Stop(ctx)
}
