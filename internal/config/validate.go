package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"framesched/internal/scheduler"
	"framesched/internal/trigger"
	logx "framesched/pkg/logx"
)

const (
	DefaultTargetFPS = 60
	maxTargetFPS     = 1000

	DefaultJournalBusyTimeout = 5 * time.Second
	DefaultTriggerStages      = "post_update"
)

// FrameSettings is FrameConfig with durations parsed and defaults applied.
type FrameSettings struct {
	// TargetFPS <= 0 means unpaced.
	TargetFPS     int
	MaxDelta      time.Duration
	SlowTask      time.Duration
	SlowFrame     time.Duration
	FaultLogEvery time.Duration
	StatsEvery    time.Duration
}

func (c FrameConfig) Settings() (FrameSettings, error) {
	var fs FrameSettings
	switch {
	case c.TargetFPS == 0:
		fs.TargetFPS = DefaultTargetFPS
	case c.TargetFPS < 0:
		fs.TargetFPS = 0
	case c.TargetFPS > maxTargetFPS:
		return fs, fmt.Errorf("frame.target_fps: must be <= %d", maxTargetFPS)
	default:
		fs.TargetFPS = c.TargetFPS
	}
	var errs []error
	parse := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	fs.MaxDelta = parse("frame.max_delta", c.MaxDelta)
	fs.SlowTask = parse("frame.slow_task", c.SlowTask)
	fs.SlowFrame = parse("frame.slow_frame", c.SlowFrame)
	fs.FaultLogEvery = parse("frame.fault_log_every", c.FaultLogEvery)
	fs.StatsEvery = parse("frame.stats_every", c.StatsEvery)
	return fs, errors.Join(errs...)
}

// TriggerSpec is a validated TriggerJob.
type TriggerSpec struct {
	Name     string
	Schedule string
	Stages   scheduler.StageSet
	Priority int
	Async    bool
	Action   string
	Message  string
}

// Spread parses MaxSpread. Empty is 0 (the trigger default); "off" is -1.
func (c TriggersConfig) Spread() (time.Duration, error) {
	if strings.EqualFold(strings.TrimSpace(c.MaxSpread), "off") {
		return -1, nil
	}
	return ParseDurationField("triggers.max_spread", c.MaxSpread)
}

// Specs returns the enabled trigger jobs, validated.
func (c TriggersConfig) Specs() ([]TriggerSpec, error) {
	var (
		out  []TriggerSpec
		errs []error
		seen = map[string]bool{}
	)
	for i, j := range c.Jobs {
		path := fmt.Sprintf("triggers.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
			continue
		}
		path = fmt.Sprintf("triggers.jobs[%s]", name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", path))
			continue
		}
		seen[name] = true

		if _, err := trigger.Validate(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
		rawStages := strings.TrimSpace(j.Stages)
		if rawStages == "" {
			rawStages = DefaultTriggerStages
		}
		stages, err := scheduler.ParseStageSet(rawStages)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.stages: %w", path, err))
		}
		if j.Priority < 0 {
			errs = append(errs, fmt.Errorf("%s.priority: %w", path, scheduler.ErrNegativePriority))
		}
		action := strings.ToLower(strings.TrimSpace(j.Action))
		switch action {
		case "":
			action = "log"
		case "log", "stats":
		default:
			errs = append(errs, fmt.Errorf("%s.action: unknown action %q (use log or stats)", path, j.Action))
		}
		if j.Disabled {
			continue
		}
		out = append(out, TriggerSpec{
			Name:     name,
			Schedule: strings.TrimSpace(j.Schedule),
			Stages:   stages,
			Priority: j.Priority,
			Async:    j.Async,
			Action:   action,
			Message:  j.Message,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate reports every problem found in cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, errors.New("logging.format: must be console or json"))
	}

	if _, err := cfg.Frame.Settings(); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(cfg.Triggers.Timezone) != "" {
		if _, err := time.LoadLocation(strings.TrimSpace(cfg.Triggers.Timezone)); err != nil {
			errs = append(errs, fmt.Errorf("triggers.timezone: %w", err))
		}
	}
	if _, err := cfg.Triggers.Spread(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Triggers.Specs(); err != nil {
		errs = append(errs, err)
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, fmt.Errorf("journal.path: required for driver %q", j.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q (use none, file or sqlite)", j.Driver))
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"pprof.read_timeout":  cfg.Pprof.ReadTimeout,
		"pprof.write_timeout": cfg.Pprof.WriteTimeout,
		"pprof.idle_timeout":  cfg.Pprof.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseDurationField parses an optional non-negative duration; empty is 0.
// Errors name the config path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
