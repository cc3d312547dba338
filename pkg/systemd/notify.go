// Package systemd reports service state to the systemd service manager via
// sd_notify. Outside a systemd unit (NOTIFY_SOCKET unset) every call is a
// no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value talks to the real
// socket; tests replace send.
type Notifier struct {
	send func(state string) (bool, error)
	// watchdog returns the configured WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// Ready tells systemd that startup finished (Type=notify units).
func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown has begun.
func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Reloading and Ready bracket a configuration reload.
func (n *Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) { return n.notify("STATUS=" + s) }

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil || n.send == nil {
		return false, nil
	}
	return n.send(state)
}

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx is
// done. It returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || n.watchdog == nil {
		return nil
	}
	every, err := n.watchdog()
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
