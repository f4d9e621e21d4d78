// Package systemd reports service state to the systemd manager via
// sd_notify. Outside a Type=notify unit every call is a no-op.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished. It reports whether the
// notification was delivered.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// WatchdogInterval returns half the configured WatchdogSec, or 0 when the
// watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

func Watchdog() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyWatchdog) }
