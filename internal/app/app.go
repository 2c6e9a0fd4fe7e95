package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"framesched/internal/config"
	"framesched/internal/eventbus"
	"framesched/internal/frameloop"
	"framesched/internal/journal"
	"framesched/internal/observability/pprof"
	"framesched/internal/runtime/supervisor"
	"framesched/internal/scheduler"
	"framesched/internal/trigger"
	logx "framesched/pkg/logx"
)

// housekeepingPriority orders app-owned tasks after user work in a stage.
const housekeepingPriority = 1000

type App struct {
	cfgm *config.Manager
	ov   Overrides

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched *scheduler.Scheduler
	drv   *scheduler.Driver
	loop  *frameloop.Loop
	trig  *trigger.Service
	pprof *pprof.Service
	store journal.Store
	rec   *journal.Recorder
	sd    *sdNotifier

	sup      *supervisor.Supervisor
	loopDone chan struct{}
	loopErr  error

	mu         sync.Mutex
	statsEvery time.Duration
	statsTask  *scheduler.Handle
	watchdog   *scheduler.Handle
}

// New loads cfgPath and wires every component. Nothing runs until Start.
func New(cfgPath string, ov Overrides) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	fs, err := cfg.Frame.Settings()
	if err != nil {
		return nil, err
	}
	specs, err := cfg.Triggers.Specs()
	if err != nil {
		return nil, err
	}
	tc, err := triggerConfig(cfg.Triggers)
	if err != nil {
		return nil, err
	}
	if _, err := pprofConfig(cfg); err != nil {
		return nil, err
	}
	jc, journalOn, err := journalConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(logConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm:     cfgm,
		ov:       ov,
		log:      log,
		logs:     logs,
		bus:      bus,
		loopDone: make(chan struct{}),
	}
	a.sched = scheduler.New(schedulerConfig(fs), root, bus)
	a.drv = scheduler.NewDriver(a.sched, scheduler.Phases{}, root)
	a.loop = frameloop.New(a.drv, loopConfig(fs, ov), root, bus)
	a.trig = trigger.New(tc, a.sched, root, bus)
	a.pprof = pprof.New(root, func() any { return a.Stats() })
	a.sd = newSDNotifier(cfg.Systemd, root)
	a.statsEvery = fs.StatsEvery

	for _, sp := range specs {
		if err := a.trig.Add(a.triggerJob(sp)); err != nil {
			return nil, err
		}
	}

	if journalOn {
		st, err := journal.Open(jc, root)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = journal.NewRecorder(st, bus, root)
		log.Info("journal enabled", logx.String("driver", jc.Driver), logx.String("path", jc.Path))
	}
	return a, nil
}

// Scheduler exposes the frame scheduler so callers can register their own work.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the frame loop returns.
func (a *App) Done() <-chan struct{} { return a.loopDone }

// Err returns the frame loop error, or the first fatal supervisor error.
func (a *App) Err() error {
	select {
	case <-a.loopDone:
		if a.loopErr != nil {
			return a.loopErr
		}
	default:
	}
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the frame loop and every background service.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := pprofConfig(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	pc, err := pprofConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.pprof.Apply(runCtx, pc); err != nil {
		return err
	}

	a.mu.Lock()
	err = a.installStatsLocked(a.statsEvery)
	if err == nil {
		a.watchdog, err = a.sd.scheduleWatchdog(a.sched)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if a.rec != nil {
		rec := a.rec
		a.sup.GoRestart("journal.recorder", rec.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.trig.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("frame.loop", func(c context.Context) {
		defer close(a.loopDone)
		a.loopErr = a.loop.Run(c)
		if a.loopErr != nil {
			a.log.Error("frame loop failed", logx.Err(a.loopErr))
		}
	})

	a.sd.ready()
	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("target_fps", a.loop.Config().TargetFPS),
		logx.Uint64("max_frames", a.ov.MaxFrames),
	)
	return nil
}

// Run starts the app and blocks until ctx is done or the frame loop ends,
// then stops everything.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.loopDone:
		reason = StopFrameLimit
		if a.loopErr != nil {
			reason = StopFatalError
		}
	case <-a.sup.Context().Done():
		reason = StopFatalError
	}
	err := a.Err()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return err
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes a reloaded config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))

	if fs, err := next.Frame.Settings(); err != nil {
		a.log.Warn("invalid frame config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedulerConfig(fs))
		a.loop.Apply(loopConfig(fs, a.ov))
		a.mu.Lock()
		if fs.StatsEvery != a.statsEvery {
			if err := a.installStatsLocked(fs.StatsEvery); err != nil {
				a.log.Warn("stats task not rescheduled", logx.Err(err))
			}
		}
		a.mu.Unlock()
	}

	if err := a.syncTriggers(next.Triggers); err != nil {
		a.log.Warn("trigger reload incomplete", logx.Err(err))
	}

	if pc, err := pprofConfig(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else if err := a.pprof.Apply(ctx, pc); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// syncTriggers makes the trigger service match tc: removed jobs go, the rest are upserted.
func (a *App) syncTriggers(tc config.TriggersConfig) error {
	specs, err := tc.Specs()
	if err != nil {
		return err
	}
	trc, err := triggerConfig(tc)
	if err != nil {
		return err
	}
	a.trig.Apply(trc)

	want := make(map[string]bool, len(specs))
	for _, sp := range specs {
		want[sp.Name] = true
	}
	for _, j := range a.trig.Snapshot().Jobs {
		if !want[j.Name] {
			a.trig.Remove(j.Name)
		}
	}
	var errs []error
	for _, sp := range specs {
		if err := a.trig.Add(a.triggerJob(sp)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// triggerJob turns a configured trigger into frame work.
func (a *App) triggerJob(sp config.TriggerSpec) trigger.Job {
	log := a.log.With(logx.String("trigger", sp.Name))
	var work scheduler.Work
	switch sp.Action {
	case "stats":
		work = scheduler.Func(func() { a.logStats(log) })
	default:
		msg := sp.Message
		if msg == "" {
			msg = "trigger fired"
		}
		work = scheduler.Func(func() { log.Info(msg, logx.Uint64("frame", a.drv.Stats().Frames)) })
	}
	return trigger.Job{
		Name:     sp.Name,
		Schedule: sp.Schedule,
		Stages:   sp.Stages,
		Priority: sp.Priority,
		Async:    sp.Async,
		Work:     work,
	}
}

// installStatsLocked replaces the periodic stats task. every == 0 removes it.
func (a *App) installStatsLocked(every time.Duration) error {
	if a.statsTask != nil {
		a.statsTask.Cancel()
		a.statsTask = nil
	}
	a.statsEvery = every
	if every <= 0 {
		return nil
	}
	h, err := a.sched.Schedule(scheduler.Func(func() { a.logStats(a.log) }), scheduler.Options{
		Name:     "app.stats",
		Stages:   scheduler.Stages(scheduler.Cleaning),
		Priority: housekeepingPriority,
		Delay:    every,
		Repeat:   true,
		Period:   every,
	})
	if err != nil {
		return fmt.Errorf("stats task: %w", err)
	}
	a.statsTask = h
	return nil
}

// Stats is the JSON document served by the pprof stats endpoint.
type Stats struct {
	Scheduler scheduler.Stats       `json:"scheduler"`
	Driver    scheduler.DriverStats `json:"driver"`
	Loop      frameloop.Stats       `json:"loop"`
	Triggers  trigger.Snapshot      `json:"triggers"`
	Async     supervisor.Snapshot   `json:"async"`
}

func (a *App) Stats() Stats {
	return Stats{
		Scheduler: a.sched.Stats(),
		Driver:    a.drv.Stats(),
		Loop:      a.loop.Stats(),
		Triggers:  a.trig.Snapshot(),
		Async:     a.sched.AsyncSnapshot(),
	}
}

func (a *App) logStats(log logx.Logger) {
	st := a.Stats()
	log.Info("scheduler stats",
		logx.Uint64("frames", st.Driver.Frames),
		logx.Duration("last_tick", st.Driver.LastTick),
		logx.Int("live", st.Scheduler.Live),
		logx.Uint64("registered", st.Scheduler.Registered),
		logx.Uint64("fired", st.Scheduler.Fired),
		logx.Uint64("faulted", st.Scheduler.Faulted),
		logx.Uint64("self_cancelled", st.Scheduler.SelfCancelled),
		logx.Uint64("async_dispatched", st.Scheduler.AsyncDispatched),
		logx.Int64("async_active", st.Scheduler.AsyncActive),
		logx.Uint64("clamped", st.Loop.Clamped),
		logx.Uint64("slow_frames", st.Loop.SlowFrames),
	)
}

// Stop tears the app down in dependency order. Each step is bounded so one
// stuck component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("frame.loop", 2*time.Second, func(c context.Context) error {
		select {
		case <-a.loopDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("scheduler", 3*time.Second, a.sched.Close)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("journal", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	st := a.Stats()
	a.log.Info("stopped",
		logx.Uint64("frames", st.Driver.Frames),
		logx.Uint64("fired", st.Scheduler.Fired),
		logx.Uint64("faulted", st.Scheduler.Faulted),
	)
	_ = a.logs.Close()
	return nil
}
