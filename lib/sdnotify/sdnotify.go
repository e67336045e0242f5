// Package sdnotify signals service readiness and status to systemd, using
// github.com/coreos/go-systemd/v22/daemon's NOTIFY_SOCKET client. It is a
// no-op when podder was not started as a systemd unit.
package sdnotify

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd the unit has finished starting.
func Ready() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

// Stopping tells systemd the unit is beginning to shut down.
func Stopping() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// Status reports a free-form status string for `systemctl status`.
func Status(msg string) error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyStatus+"="+msg)
	return err
}
