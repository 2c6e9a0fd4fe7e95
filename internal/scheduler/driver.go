package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "framesched/pkg/logx"
)

// Phase is an external collaborator step run between stages, such as input
// polling, world update or rendering.
type Phase func(ctx context.Context, dt time.Duration) error

// Phases are optional; nil phases are skipped.
type Phases struct {
	Input  Phase
	Update Phase
	Render Phase
}

// Driver runs the fixed per-frame stage order.
type Driver struct {
	s      *Scheduler
	phases Phases
	log    logx.Logger

	ticking   atomic.Bool
	frames    atomic.Uint64
	lastDelta atomic.Int64
	lastTick  atomic.Int64
	phaseErrs atomic.Uint64
}

func NewDriver(s *Scheduler, phases Phases, log logx.Logger) *Driver {
	return &Driver{s: s, phases: phases, log: log.With(logx.String("comp", "frame"))}
}

// Tick advances one frame by dt:
//
//	PreInput, input, PostInput,
//	PreUpdate, update, PostUpdate,
//	PreRender, render, PostRender,
//	PostProcessing, Cleaning, then compaction.
//
// Tick must be called from one goroutine at a time; an overlapping call,
// including one made from inside a task or phase, returns ErrTickInProgress.
// Task and phase failures never abort the frame.
func (d *Driver) Tick(ctx context.Context, dt time.Duration) error {
	if dt < 0 {
		return fmt.Errorf("%w (got %s)", ErrNegativeDelta, dt)
	}
	if !d.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer d.ticking.Store(false)
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	s := d.s

	s.Execute(ctx, PreInput, dt)
	d.runPhase(ctx, "input", d.phases.Input, dt)
	s.Execute(ctx, PostInput, dt)

	s.Execute(ctx, PreUpdate, dt)
	d.runPhase(ctx, "update", d.phases.Update, dt)
	s.Execute(ctx, PostUpdate, dt)

	s.Execute(ctx, PreRender, dt)
	d.runPhase(ctx, "render", d.phases.Render, dt)
	s.Execute(ctx, PostRender, dt)

	s.Execute(ctx, PostProcessing, dt)
	s.Execute(ctx, Cleaning, dt)
	s.Compact()

	d.frames.Add(1)
	d.lastDelta.Store(int64(dt))
	d.lastTick.Store(int64(time.Since(start)))
	return nil
}

func (d *Driver) runPhase(ctx context.Context, name string, p Phase, dt time.Duration) {
	if p == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("phase panicked", logx.String("phase", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p(ctx, dt)
	}()
	if err != nil {
		d.phaseErrs.Add(1)
		d.log.Warn("phase failed", logx.String("phase", name), logx.Uint64("frame", d.frames.Load()+1), logx.Err(err))
	}
}

// Scheduler returns the scheduler driven by d.
func (d *Driver) Scheduler() *Scheduler { return d.s }

// DriverStats describes the frames driven so far.
type DriverStats struct {
	Frames      uint64        `json:"frames"`
	LastDelta   time.Duration `json:"last_delta"`
	LastTick    time.Duration `json:"last_tick"`
	PhaseErrors uint64        `json:"phase_errors"`
}

func (d *Driver) Stats() DriverStats {
	return DriverStats{
		Frames:      d.frames.Load(),
		LastDelta:   time.Duration(d.lastDelta.Load()),
		LastTick:    time.Duration(d.lastTick.Load()),
		PhaseErrors: d.phaseErrs.Load(),
	}
}
