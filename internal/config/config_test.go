package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"framesched/internal/scheduler"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
frame:
  target_fps: 30
  max_delta: 250ms
  slow_task: 5ms
triggers:
  timezone: UTC
  jobs:
    - name: stats
      schedule: "@every 30s"
      action: stats
    - name: nightly
      schedule: "daily:03:00"
      stages: "pre_update|cleaning"
      priority: 2
    - name: paused
      schedule: 10m
      disabled: true
journal:
  driver: sqlite
  path: ./journal.db
`

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	y, err := ParseBytes("framesched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if y.Frame.TargetFPS != 30 || y.Logging.Level != "debug" || len(y.Triggers.Jobs) != 3 {
		t.Fatalf("decoded = %+v", y)
	}
	if y.Journal == nil || y.Journal.Driver != "sqlite" {
		t.Fatalf("journal = %+v", y.Journal)
	}

	j, err := ParseBytes("framesched.json", []byte(`{"frame":{"target_fps":30}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if j.Frame.TargetFPS != 30 {
		t.Fatalf("json frame = %+v", j.Frame)
	}

	sniffed, err := ParseBytes("framesched.conf", []byte("frame:\n  target_fps: 12\n"))
	if err != nil || sniffed.Frame.TargetFPS != 12 {
		t.Fatalf("sniffed yaml = %+v, %v", sniffed, err)
	}
	if empty, err := ParseBytes("x.yaml", nil); err != nil || empty == nil {
		t.Fatalf("empty yaml = %v, %v", empty, err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown yaml": "frame:\n  fps: 10\n",
		"unknown json": `{"telegram":{}}`,
		"trailing":     `{"frame":{}} {"frame":{}}`,
	}
	for name, raw := range cases {
		path := "c.json"
		if strings.Contains(name, "yaml") {
			path = "c.yaml"
		}
		if _, err := ParseBytes(path, []byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good, err := ParseBytes("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"duration", func(c *Config) { c.Frame.MaxDelta = "soon" }, "frame.max_delta"},
		{"negative", func(c *Config) { c.Frame.SlowTask = "-1s" }, "frame.slow_task"},
		{"fps", func(c *Config) { c.Frame.TargetFPS = 5000 }, "frame.target_fps"},
		{"stage", func(c *Config) { c.Triggers.Jobs[1].Stages = "pre_lunch" }, "triggers.jobs[nightly].stages"},
		{"schedule", func(c *Config) { c.Triggers.Jobs[0].Schedule = "whenever" }, "triggers.jobs[stats].schedule"},
		{"dup", func(c *Config) { c.Triggers.Jobs[1].Name = "stats" }, "duplicate name"},
		{"action", func(c *Config) { c.Triggers.Jobs[0].Action = "reboot" }, "unknown action"},
		{"tz", func(c *Config) { c.Triggers.Timezone = "Mars/Olympus" }, "triggers.timezone"},
		{"spread", func(c *Config) { c.Triggers.MaxSpread = "-5s" }, "triggers.max_spread"},
		{"journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"journal driver", func(c *Config) { c.Journal.Driver = "mongo" }, "journal.driver"},
		{"pprof", func(c *Config) { c.Pprof.IdleTimeout = "x" }, "pprof.idle_timeout"},
	}
	for _, tc := range cases {
		c, _ := ParseBytes("c.yaml", []byte(sampleYAML))
		tc.mut(c)
		err := Validate(c)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestFrameSettingsDefaults(t *testing.T) {
	t.Parallel()
	fs, err := FrameConfig{}.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if fs.TargetFPS != DefaultTargetFPS || fs.MaxDelta != 0 || fs.FaultLogEvery != 0 {
		t.Fatalf("defaults = %+v", fs)
	}
	fs, _ = FrameConfig{TargetFPS: -1, MaxDelta: "100ms"}.Settings()
	if fs.TargetFPS != 0 || fs.MaxDelta != 100*time.Millisecond {
		t.Fatalf("unpaced = %+v", fs)
	}
}

func TestTriggerSpecs(t *testing.T) {
	t.Parallel()
	c, _ := ParseBytes("c.yaml", []byte(sampleYAML))
	specs, err := c.Triggers.Specs()
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %+v, disabled job must be skipped", specs)
	}
	if specs[0].Stages != scheduler.Stages(scheduler.PostUpdate) || specs[0].Action != "stats" {
		t.Fatalf("stats job = %+v", specs[0])
	}
	if specs[1].Stages != scheduler.Stages(scheduler.PreUpdate, scheduler.Cleaning) || specs[1].Action != "log" || specs[1].Priority != 2 {
		t.Fatalf("nightly job = %+v", specs[1])
	}
}

func TestSummarizeChangeHidesToken(t *testing.T) {
	t.Parallel()
	a := &Config{}
	b := &Config{}
	b.Pprof.Token = "s3cret"
	b.Frame.TargetFPS = 144

	changed, fields := SummarizeChange(a, b)
	if !slices.Equal(changed, []string{"frame", "pprof"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(fields) == 0 {
		t.Fatal("no fields")
	}
	if got := NeedsRestart(a, &Config{Journal: &JournalConfig{Driver: "file", Path: "x"}}); !slices.Equal(got, []string{"journal"}) {
		t.Fatalf("needs restart = %v", got)
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framesched.yaml")
	if err := os.WriteFile(path, []byte("frame:\n  target_fps: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	retry := time.NewTicker(300 * time.Millisecond)
	defer retry.Stop()
	write := func(fps int) {
		_ = os.WriteFile(path, []byte("frame:\n  target_fps: "+strings.Repeat("9", fps)+"\n"), 0o644)
	}
	write(2)
	for {
		select {
		case cfg := <-sub:
			if cfg.Frame.TargetFPS != 99 || m.Get().Frame.TargetFPS != 99 {
				t.Fatalf("reloaded fps = %d", cfg.Frame.TargetFPS)
			}
			return
		case <-retry.C:
			// The watcher may not have been registered before the first write.
			write(2)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	_ = os.WriteFile(path, []byte(`{"frame":{"target_fps":30}}`), 0o644)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	_ = os.WriteFile(path, []byte(`{"frame":{"max_delta":"never"}}`), 0o644)
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("invalid config published")
	default:
	}
	if m.Get().Frame.TargetFPS != 30 {
		t.Fatal("invalid config committed")
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join("..", "..", "config.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("config.example.yaml: %v", err)
	}
	specs, err := cfg.Triggers.Specs()
	if err != nil || len(specs) != 2 {
		t.Fatalf("specs = %+v, %v", specs, err)
	}
}
