package app

import (
	"strings"
	"time"

	"framesched/internal/config"
	"framesched/internal/frameloop"
	"framesched/internal/journal"
	"framesched/internal/observability/pprof"
	"framesched/internal/scheduler"
	"framesched/internal/trigger"
	logx "framesched/pkg/logx"
)

// Overrides are command-line values that win over the config file.
type Overrides struct {
	// MaxFrames stops the loop after that many frames. 0 runs until stopped.
	MaxFrames uint64
	// TargetFPS replaces frame.target_fps when non-zero; negative runs unpaced.
	TargetFPS int
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func schedulerConfig(fs config.FrameSettings) scheduler.Config {
	return scheduler.Config{SlowTask: fs.SlowTask, FaultLogEvery: fs.FaultLogEvery}
}

func loopConfig(fs config.FrameSettings, ov Overrides) frameloop.Config {
	lc := frameloop.Config{
		TargetFPS: fs.TargetFPS,
		MaxDelta:  fs.MaxDelta,
		SlowFrame: fs.SlowFrame,
		MaxFrames: ov.MaxFrames,
	}
	switch {
	case ov.TargetFPS > 0:
		lc.TargetFPS = ov.TargetFPS
	case ov.TargetFPS < 0:
		lc.TargetFPS = 0
	}
	return lc
}

func pprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	if read == 0 {
		read = 5 * time.Second
	}
	if idle == 0 {
		idle = 60 * time.Second
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Prefix:               pc.Prefix,
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}

// journalConfig reports enabled=false when the section is absent or "none".
func triggerConfig(tc config.TriggersConfig) (trigger.Config, error) {
	spread, err := tc.Spread()
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{Timezone: tc.Timezone, MaxSpread: spread}, nil
}

func journalConfig(cfg *config.Config) (journal.Config, bool, error) {
	jc := cfg.Journal
	if jc == nil {
		return journal.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("journal.busy_timeout", jc.BusyTimeout)
	if err != nil {
		return journal.Config{}, false, err
	}
	if busy == 0 {
		busy = config.DefaultJournalBusyTimeout
	}
	return journal.Config{Driver: driver, Path: strings.TrimSpace(jc.Path), BusyTimeout: busy}, true, nil
}
