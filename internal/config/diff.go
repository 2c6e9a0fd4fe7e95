package config

import (
	"reflect"
	"strings"

	logx "framesched/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe fields for
// logging. Secrets (pprof token) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Frame != newCfg.Frame {
		changed = append(changed, "frame")
		attrs = append(attrs,
			logx.Int("frame.target_fps", newCfg.Frame.TargetFPS),
			logx.String("frame.max_delta", strings.TrimSpace(newCfg.Frame.MaxDelta)),
			logx.String("frame.slow_task", strings.TrimSpace(newCfg.Frame.SlowTask)),
			logx.String("frame.stats_every", strings.TrimSpace(newCfg.Frame.StatsEvery)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.String("triggers.timezone", strings.TrimSpace(newCfg.Triggers.Timezone)),
			logx.String("triggers.max_spread", strings.TrimSpace(newCfg.Triggers.MaxSpread)),
			logx.Int("triggers.jobs", len(newCfg.Triggers.Jobs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		if newCfg.Journal != nil {
			attrs = append(attrs, logx.String("journal.driver", newCfg.Journal.Driver))
		}
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	tokenChanged := op.Token != np.Token
	op.Token, np.Token = "", ""
	if op != np || tokenChanged {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", np.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(np.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// NeedsRestart lists changed sections that are not applied on hot reload.
func NeedsRestart(oldCfg, newCfg *Config) []string {
	var out []string
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		out = append(out, "journal")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		out = append(out, "systemd")
	}
	return out
}
