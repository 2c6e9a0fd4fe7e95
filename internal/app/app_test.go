package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"framesched/internal/config"
	"framesched/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const baseYAML = `
logging:
  level: error
frame:
  target_fps: -1
`

func TestRunStopsAfterMaxFrames(t *testing.T) {
	a, err := New(writeConfig(t, baseYAML), Overrides{MaxFrames: 5})
	if err != nil {
		t.Fatal(err)
	}

	var n atomic.Int64
	if _, err := a.Scheduler().PlanRepeated(scheduler.Stages(scheduler.PreUpdate), 0, 0, scheduler.Func(func() { n.Add(1) })); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n.Load() != 5 {
		t.Fatalf("fires = %d, want 5", n.Load())
	}
	if st := a.Stats(); st.Driver.Frames != 5 || st.Loop.Frames != 5 {
		t.Fatalf("stats = %+v", st)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Run")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(writeConfig(t, baseYAML+"  max_delta: soon\n"), Overrides{})
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestApplyConfigUpdatesRunningComponents(t *testing.T) {
	a, err := New(writeConfig(t, baseYAML), Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.logs.Close() })

	prev := a.cfgm.Get()
	next := *prev
	next.Frame = config.FrameConfig{TargetFPS: 30, SlowTask: "5ms", StatsEvery: "10s"}
	next.Triggers = config.TriggersConfig{Jobs: []config.TriggerJob{
		{Name: "autosave", Schedule: "@every 1m", Action: "stats"},
		{Name: "hello", Schedule: "5m", Message: "hi"},
	}}

	ctx := context.Background()
	a.applyConfig(ctx, prev, &next)

	if got := a.loop.Config().TargetFPS; got != 30 {
		t.Fatalf("target fps = %d, want 30", got)
	}
	if got := a.sched.Config().SlowTask; got != 5*time.Millisecond {
		t.Fatalf("slow task = %v", got)
	}
	a.mu.Lock()
	stats, every := a.statsTask, a.statsEvery
	a.mu.Unlock()
	if stats == nil || every != 10*time.Second {
		t.Fatalf("stats task = %v every %v", stats, every)
	}
	if jobs := a.trig.Snapshot().Jobs; len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Drop one trigger and the stats task.
	last := next
	last.Frame.StatsEvery = ""
	last.Triggers.Jobs = last.Triggers.Jobs[1:]
	a.applyConfig(ctx, &next, &last)

	jobs := a.trig.Snapshot().Jobs
	if len(jobs) != 1 || jobs[0].Name != "hello" {
		t.Fatalf("jobs after reload = %+v", jobs)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statsTask != nil {
		t.Fatal("stats task not removed")
	}
}

func TestLoopConfigOverrides(t *testing.T) {
	t.Parallel()
	fs := config.FrameSettings{TargetFPS: 60, MaxDelta: 100 * time.Millisecond}
	tests := []struct {
		ov   Overrides
		want int
	}{
		{Overrides{}, 60},
		{Overrides{TargetFPS: 144}, 144},
		{Overrides{TargetFPS: -1}, 0},
	}
	for _, tt := range tests {
		lc := loopConfig(fs, tt.ov)
		if lc.TargetFPS != tt.want || lc.MaxDelta != fs.MaxDelta {
			t.Errorf("loopConfig(%+v) = %+v, want fps %d", tt.ov, lc, tt.want)
		}
	}
	if lc := loopConfig(fs, Overrides{MaxFrames: 9}); lc.MaxFrames != 9 {
		t.Errorf("max frames = %d", lc.MaxFrames)
	}
}

func TestJournalConfig(t *testing.T) {
	t.Parallel()
	if _, on, err := journalConfig(&config.Config{}); on || err != nil {
		t.Fatalf("absent journal: on=%v err=%v", on, err)
	}
	if _, on, _ := journalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "none"}}); on {
		t.Fatal("driver none must disable the journal")
	}
	jc, on, err := journalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "SQLite", Path: " j.db "}})
	if err != nil || !on {
		t.Fatalf("sqlite journal: on=%v err=%v", on, err)
	}
	if jc.Driver != "sqlite" || jc.Path != "j.db" || jc.BusyTimeout != config.DefaultJournalBusyTimeout {
		t.Fatalf("journal config = %+v", jc)
	}
}

func TestTriggerConfigSpread(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: 0},
		{raw: "5s", want: 5 * time.Second},
		{raw: " OFF ", want: -1},
	}
	for _, tt := range tests {
		tc, err := triggerConfig(config.TriggersConfig{Timezone: "UTC", MaxSpread: tt.raw})
		if err != nil {
			t.Fatalf("%q: %v", tt.raw, err)
		}
		if tc.MaxSpread != tt.want || tc.Timezone != "UTC" {
			t.Fatalf("%q: config = %+v", tt.raw, tc)
		}
	}
	if _, err := triggerConfig(config.TriggersConfig{MaxSpread: "-1s"}); err == nil {
		t.Fatal("expected error for negative spread")
	}
}

func TestPprofConfigDefaults(t *testing.T) {
	t.Parallel()
	pc, err := pprofConfig(&config.Config{Pprof: config.PprofConfig{Enabled: true, Token: " x "}})
	if err != nil {
		t.Fatal(err)
	}
	if pc.Token != "x" || pc.ReadTimeout != 5*time.Second || pc.IdleTimeout != time.Minute || pc.WriteTimeout != 0 {
		t.Fatalf("pprof config = %+v", pc)
	}
	if _, err := pprofConfig(&config.Config{Pprof: config.PprofConfig{ReadTimeout: "-1s"}}); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}
