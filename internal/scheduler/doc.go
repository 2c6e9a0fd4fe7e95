// Package scheduler runs deferred work at fixed points of a repeating frame.
//
// A frame is one call to Driver.Tick. Each tick walks eight stages in a fixed
// order (PreInput ... Cleaning) and, between some of them, the input, update and
// render phases supplied by the caller. Work registered on a stage is considered
// every time that stage runs:
//
//	s := scheduler.New(scheduler.Config{}, log, bus)
//	d := scheduler.NewDriver(s, scheduler.Phases{Update: world.Update}, log)
//
//	h, _ := s.PlanRepeated(scheduler.Stages(scheduler.PostUpdate), 10, 100*time.Millisecond,
//		func(ctx context.Context) error { return autosave(ctx) })
//	defer h.Cancel()
//
//	for dt := range frames {
//		_ = d.Tick(ctx, dt)
//	}
//
// Timing is driven only by the dt values passed to Tick; the scheduler never
// reads the clock for scheduling decisions. A task's delay and period
// accumulators advance only while one of its stages runs, so a task subscribed
// to two stages accumulates dt twice per tick.
//
// Work may return ErrCancelTask to unschedule itself. Any other error (or a
// panic) is logged and the task stays scheduled.
package scheduler
