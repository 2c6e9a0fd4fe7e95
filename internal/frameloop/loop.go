// Package frameloop is a headless render loop: it measures the wall time
// between frames and feeds it to the frame driver.
package frameloop

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"framesched/internal/eventbus"
	logx "framesched/pkg/logx"
)

// Ticker advances one frame. *scheduler.Driver implements it.
type Ticker interface {
	Tick(ctx context.Context, dt time.Duration) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	// TargetFPS paces the loop; <= 0 runs frames back to back.
	TargetFPS int
	// MaxDelta clamps dt after stalls (debugger, suspend). 0 disables.
	MaxDelta time.Duration
	// SlowFrame warns about frames taking longer than this. 0 disables.
	SlowFrame time.Duration
	// MaxFrames stops the loop after that many frames. 0 runs until cancelled.
	MaxFrames uint64
}

type Option func(*Loop)

func WithClock(c Clock) Option { return func(l *Loop) { l.clock = c } }

type Loop struct {
	drv   Ticker
	clock Clock
	log   logx.Logger
	bus   eventbus.Bus
	cfg   atomic.Pointer[Config]

	frames  atomic.Uint64
	clamped atomic.Uint64
	slow    atomic.Uint64
}

func New(drv Ticker, cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Loop {
	l := &Loop{drv: drv, clock: realClock{}, log: log.With(logx.String("comp", "frameloop")), bus: bus}
	for _, o := range opts {
		o(l)
	}
	l.cfg.Store(&cfg)
	return l
}

// Apply swaps pacing settings; the next frame uses them.
func (l *Loop) Apply(cfg Config) { l.cfg.Store(&cfg) }

func (l *Loop) Config() Config { return *l.cfg.Load() }

// Run drives frames until ctx is done or MaxFrames is reached. The first frame
// gets dt = 0. A Tick error other than cancellation stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	var last time.Time
	l.log.Info("frame loop started", logx.Int("target_fps", l.Config().TargetFPS))
	defer func() {
		l.log.Info("frame loop stopped", logx.Uint64("frames", l.frames.Load()))
	}()

	for ctx.Err() == nil {
		cfg := l.Config()
		if cfg.MaxFrames > 0 && l.frames.Load() >= cfg.MaxFrames {
			return nil
		}

		start := l.clock.Now()
		var dt time.Duration
		if !last.IsZero() {
			dt = max(start.Sub(last), 0)
			if cfg.MaxDelta > 0 && dt > cfg.MaxDelta {
				dt = cfg.MaxDelta
				l.clamped.Add(1)
			}
		}
		last = start

		if err := l.drv.Tick(ctx, dt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("frame %d: %w", l.frames.Load()+1, err)
		}
		frame := l.frames.Add(1)
		took := l.clock.Now().Sub(start)

		if cfg.SlowFrame > 0 && took > cfg.SlowFrame {
			l.slow.Add(1)
			l.log.Warn("slow frame", logx.Uint64("frame", frame), logx.Duration("took", took), logx.Duration("dt", dt))
			if l.bus != nil {
				l.bus.Publish(eventbus.Event{Type: eventbus.FrameSlow, Data: eventbus.FrameEvent{Frame: frame, Delta: dt, Duration: took}})
			}
		}

		if cfg.TargetFPS > 0 {
			if budget := time.Second / time.Duration(cfg.TargetFPS); took < budget {
				if err := l.clock.Sleep(ctx, budget-took); err != nil {
					return nil
				}
			}
		}
	}
	return nil
}

type Stats struct {
	Frames     uint64 `json:"frames"`
	Clamped    uint64 `json:"clamped"`
	SlowFrames uint64 `json:"slow_frames"`
}

func (l *Loop) Stats() Stats {
	return Stats{Frames: l.frames.Load(), Clamped: l.clamped.Load(), SlowFrames: l.slow.Load()}
}
