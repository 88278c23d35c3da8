// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wadispatch/pkg/logx"
)

func Ready() (bool, error)     { return daemon.SdNotify(false, daemon.SdNotifyReady) }
func Stopping() (bool, error)  { return daemon.SdNotify(false, daemon.SdNotifyStopping) }
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(line string) (bool, error) { return daemon.SdNotify(false, "STATUS="+line) }

// Watchdog pings the watchdog at half the configured interval until ctx
// ends. healthy may be nil; a false result skips the ping so systemd
// restarts the unit.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() bool) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	log.Info("watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
