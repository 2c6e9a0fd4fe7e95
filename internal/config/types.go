package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are rejected.
//
// All durations are Go duration strings ("16ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Frame    FrameConfig    `json:"frame"`
	Triggers TriggersConfig `json:"triggers,omitempty"`
	Journal  *JournalConfig `json:"journal,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Systemd  SystemdConfig  `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FrameConfig controls the frame loop and the scheduler.
//
// Defaults (when fields are omitted/zero):
//   - target_fps: 60 (0 in the file means the default; use -1 to run unpaced)
//   - max_delta: "0s" (no clamp)
//   - slow_task: "0s" (disabled)
//   - fault_log_every: "1s"
//   - stats_every: "0s" (disabled)
type FrameConfig struct {
	TargetFPS     int    `json:"target_fps,omitempty"`
	MaxDelta      string `json:"max_delta,omitempty"`
	SlowTask      string `json:"slow_task,omitempty"`
	SlowFrame     string `json:"slow_frame,omitempty"`
	FaultLogEvery string `json:"fault_log_every,omitempty"`
	StatsEvery    string `json:"stats_every,omitempty"`
}

// TriggersConfig holds wall-clock schedules that enqueue one-shot frame tasks.
type TriggersConfig struct {
	// Timezone for cron and HH:MM schedules (IANA name). Default: local.
	Timezone string `json:"timezone,omitempty"`
	// MaxSpread caps the random first-run delay of interval jobs,
	// e.g. "10s". Empty means 30s; "off" disables it.
	MaxSpread string       `json:"max_spread,omitempty"`
	Jobs      []TriggerJob `json:"jobs,omitempty"`
}

// TriggerJob example:
//
//	{ "name": "autosave", "schedule": "*/5 * * * *", "stages": "post_update", "action": "stats" }
type TriggerJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Stages is a '|' separated stage list; default "post_update".
	Stages   string `json:"stages,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Async    bool   `json:"async,omitempty"`
	// Action is "log" (default) or "stats".
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
	// Disabled jobs are validated but not scheduled.
	Disabled bool `json:"disabled,omitempty"`
}

// JournalConfig controls the optional task journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./framesched.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SystemdConfig enables sd_notify integration. Both are no-ops outside systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
