package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"framesched/internal/config"
	"framesched/internal/scheduler"
	logx "framesched/pkg/logx"
)

// sdNotifier sends sd_notify states. Outside systemd (no NOTIFY_SOCKET) every
// call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify bool
	// ping is the watchdog ping period, half of WATCHDOG_USEC; 0 when off.
	ping time.Duration
}

func newSDNotifier(cfg config.SystemdConfig, log logx.Logger) *sdNotifier {
	n := &sdNotifier{log: log.With(logx.String("comp", "systemd")), notify: cfg.Notify}
	if !cfg.Watchdog {
		return n
	}
	iv, err := daemon.SdWatchdogEnabled(false)
	switch {
	case err != nil:
		n.log.Warn("watchdog env invalid; watchdog disabled", logx.Err(err))
	case iv <= 0:
		n.log.Debug("watchdog requested but not enabled by systemd")
	default:
		n.ping = iv / 2
	}
	return n
}

func (n *sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) ready() {
	if n.notify {
		n.send(daemon.SdNotifyReady)
	}
}

func (n *sdNotifier) stopping() {
	if n.notify {
		n.send(daemon.SdNotifyStopping)
	}
}

// scheduleWatchdog pings systemd from the cleaning stage, so a stalled frame
// loop stops the pings and gets the unit restarted.
func (n *sdNotifier) scheduleWatchdog(s *scheduler.Scheduler) (*scheduler.Handle, error) {
	if n.ping <= 0 {
		return nil, nil
	}
	n.log.Info("watchdog enabled", logx.Duration("ping", n.ping))
	return s.Schedule(scheduler.Func(func() { n.send(daemon.SdNotifyWatchdog) }), scheduler.Options{
		Name:     "systemd.watchdog",
		Stages:   scheduler.Stages(scheduler.Cleaning),
		Priority: housekeepingPriority,
		Repeat:   true,
		Period:   n.ping,
	})
}
