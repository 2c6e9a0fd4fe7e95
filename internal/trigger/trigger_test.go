package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"framesched/internal/eventbus"
	"framesched/internal/scheduler"
	logx "framesched/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "daily", raw: "daily:07:05", kind: SpecCron, source: "daily", cron: "5 7 * * *"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Validate(tt.raw)
			if err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "daily:25:00", "61 * * * *"} {
		if _, err := Validate(raw); err == nil {
			t.Errorf("Validate(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

type fakeRegistrar struct {
	mu    sync.Mutex
	works []scheduler.Work
	opts  []scheduler.Options
	err   error
}

func (f *fakeRegistrar) Schedule(work scheduler.Work, opt scheduler.Options) (*scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.works = append(f.works, work)
	f.opts = append(f.opts, opt)
	return &scheduler.Handle{}, nil
}

func onlyDef(t *testing.T, s *Service) *def {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(s.defs))
	}
	return s.defs[0]
}

func TestFireSkipsWhilePending(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistrar{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := New(Config{}, reg, logx.Nop(), bus)

	var runs int
	err := s.Add(Job{Name: "save", Schedule: "@every 1m", Priority: 3, Work: func(context.Context) error {
		runs++
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	d := onlyDef(t, s)

	s.fire(d)
	s.fire(d)
	if len(reg.works) != 1 || d.skipped.Load() != 1 {
		t.Fatalf("registered=%d skipped=%d, want 1/1", len(reg.works), d.skipped.Load())
	}
	opt := reg.opts[0]
	if opt.Name != "trigger:save" || opt.Priority != 3 || opt.Stages != scheduler.Stages(scheduler.PostUpdate) || opt.Repeat {
		t.Fatalf("options = %+v", opt)
	}

	// Frame pass runs the task; the next firing is accepted again.
	if err := reg.works[0](context.Background()); err != nil {
		t.Fatal(err)
	}
	s.fire(d)
	if len(reg.works) != 2 || runs != 1 {
		t.Fatalf("registered=%d runs=%d", len(reg.works), runs)
	}

	var fired, skipped int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.TriggerFired:
			fired++
		case eventbus.TriggerSkipped:
			skipped++
		}
	}
	if fired != 2 || skipped != 1 {
		t.Fatalf("events fired=%d skipped=%d", fired, skipped)
	}
}

func TestFailedWorkStaysPending(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistrar{}
	s := New(Config{}, reg, logx.Nop(), nil)
	if err := s.Add(Job{Name: "x", Schedule: "5m", Work: func(context.Context) error { return errors.New("nope") }}); err != nil {
		t.Fatal(err)
	}
	d := onlyDef(t, s)
	s.fire(d)
	_ = reg.works[0](context.Background())
	s.fire(d)
	if len(reg.works) != 1 {
		t.Fatalf("registered %d tasks while a faulted one is still scheduled", len(reg.works))
	}
}

func TestAsyncFaultReleasesClaim(t *testing.T) {
	t.Parallel()
	sch := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	defer func() { _ = sch.Close(context.Background()) }()
	drv := scheduler.NewDriver(sch, scheduler.Phases{}, logx.Nop())

	s := New(Config{MaxSpread: -1}, sch, logx.Nop(), nil)
	ran := make(chan struct{}, 2)
	if err := s.Add(Job{Name: "bg", Schedule: "5m", Stages: scheduler.Stages(scheduler.PreUpdate), Async: true,
		Work: func(context.Context) error {
			ran <- struct{}{}
			return errors.New("nope")
		}}); err != nil {
		t.Fatal(err)
	}
	d := onlyDef(t, s)

	s.fire(d)
	if err := drv.Tick(context.Background(), 16*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("async work never ran")
	}
	deadline := time.Now().Add(5 * time.Second)
	for d.pending.Load() != nil {
		if time.Now().After(deadline) {
			t.Fatal("claim still held after async fault")
		}
		time.Sleep(time.Millisecond)
	}

	s.fire(d)
	if d.fired.Load() != 2 || d.skipped.Load() != 0 {
		t.Fatalf("fired=%d skipped=%d", d.fired.Load(), d.skipped.Load())
	}
}

// removeDuringSchedule removes the job between registration and the claim handoff.
type removeDuringSchedule struct {
	*scheduler.Scheduler
	svc  *Service
	name string
}

func (r *removeDuringSchedule) Schedule(w scheduler.Work, opt scheduler.Options) (*scheduler.Handle, error) {
	h, err := r.Scheduler.Schedule(w, opt)
	r.svc.Remove(r.name)
	return h, err
}

func TestRemoveWhileFiringCancelsTask(t *testing.T) {
	t.Parallel()
	sch := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	defer func() { _ = sch.Close(context.Background()) }()
	drv := scheduler.NewDriver(sch, scheduler.Phases{}, logx.Nop())

	reg := &removeDuringSchedule{Scheduler: sch, name: "x"}
	s := New(Config{MaxSpread: -1}, reg, logx.Nop(), nil)
	reg.svc = s
	var n int
	if err := s.Add(Job{Name: "x", Schedule: "5m", Stages: scheduler.Stages(scheduler.Cleaning),
		Work: scheduler.Func(func() { n++ })}); err != nil {
		t.Fatal(err)
	}
	d := onlyDef(t, s)

	s.fire(d)
	for i := 0; i < 3; i++ {
		if err := drv.Tick(context.Background(), 16*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if n != 0 {
		t.Fatalf("removed job fired %d times", n)
	}
	if sch.Registry().Len() != 0 {
		t.Fatalf("registry holds %d tasks after remove", sch.Registry().Len())
	}
	if d.fired.Load() != 0 {
		t.Fatalf("fired = %d", d.fired.Load())
	}

	s.fire(d)
	if sch.Registry().Len() != 0 {
		t.Fatal("fire after remove registered a task")
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxSpread: -1}, &fakeRegistrar{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())
	if s.Snapshot().Running {
		t.Fatal("started with a cancelled context")
	}
}

func TestEnqueueErrorReleasesClaim(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistrar{err: scheduler.ErrEmptyStages}
	s := New(Config{}, reg, logx.Nop(), nil)
	if err := s.Add(Job{Name: "x", Schedule: "5m", Work: scheduler.Func(func() {})}); err != nil {
		t.Fatal(err)
	}
	d := onlyDef(t, s)
	s.fire(d)
	if d.pending.Load() != nil || d.failed.Load() != 1 {
		t.Fatalf("pending=%v failed=%d", d.pending.Load() != nil, d.failed.Load())
	}
}

func TestAddValidatesAndReplaces(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxSpread: -1}, &fakeRegistrar{}, logx.Nop(), nil)

	if err := s.Add(Job{Name: "", Schedule: "5m", Work: scheduler.Func(func() {})}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.Add(Job{Name: "a", Schedule: "5m"}); !errors.Is(err, scheduler.ErrNilWork) {
		t.Fatalf("nil work err = %v", err)
	}
	if err := s.Add(Job{Name: "a", Schedule: "nope", Work: scheduler.Func(func() {})}); err == nil {
		t.Fatal("expected schedule error")
	}

	_ = s.Add(Job{Name: "a", Schedule: "5m", Work: scheduler.Func(func() {})})
	_ = s.Add(Job{Name: "a", Schedule: "*/2 * * * *", Work: scheduler.Func(func() {})})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Running || len(snap.Jobs) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if j := snap.Jobs[0]; j.Spec != "*/2 * * * *" || j.Next.IsZero() {
		t.Fatalf("job = %+v", j)
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("remove should succeed once")
	}
}

func TestCronDrivesFrameTasks(t *testing.T) {
	t.Parallel()
	sch := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	defer func() { _ = sch.Close(context.Background()) }()
	drv := scheduler.NewDriver(sch, scheduler.Phases{}, logx.Nop())

	s := New(Config{MaxSpread: -1}, sch, logx.Nop(), nil)
	done := make(chan struct{}, 4)
	if err := s.Add(Job{Name: "tick", Schedule: "@every 1s", Stages: scheduler.Stages(scheduler.Cleaning),
		Work: scheduler.Func(func() { done <- struct{}{} })}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		if err := drv.Tick(context.Background(), 16*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("trigger never ran on a frame")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
