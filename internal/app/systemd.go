package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "taper/internal/runtime/supervisor"
	logx "taper/pkg/logx"
)

// systemdNotifier speaks sd_notify when running under a Type=notify unit.
// Without NOTIFY_SOCKET every call is a no-op.
type systemdNotifier struct {
	enabled bool
	log     logx.Logger
	notify  func(state string) (bool, error)
}

func newSystemdNotifier(enabled bool, log logx.Logger) *systemdNotifier {
	return &systemdNotifier{
		enabled: enabled,
		log:     log,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *systemdNotifier) send(state string) bool {
	if !n.enabled {
		return false
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// start reports readiness and, when the unit sets WatchdogSec, pings at half
// the interval.
func (n *systemdNotifier) start(sup *rtsup.Supervisor) {
	if !n.send(daemon.SdNotifyReady) {
		return
	}
	n.log.Info("systemd notified ready")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (n *systemdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }
