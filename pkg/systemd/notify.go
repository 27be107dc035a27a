// Package systemd speaks the sd_notify protocol for Type=notify units.
// Every call is a no-op outside systemd ($NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "timepie/pkg/logx"
)

type Notifier struct {
	enabled bool
	log     logx.Logger
	notify  func(state string) (bool, error)
	wd      func() (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled: enabled,
		log:     log.With(logx.String("comp", "systemd")),
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		wd:      func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()               { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()            { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Status(status string) { n.send("STATUS=" + status) }

// Watchdog pings at half of WATCHDOG_USEC while healthy returns nil.
// It returns immediately when the watchdog is not configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() error) {
	if n == nil || !n.enabled {
		return
	}
	every, err := n.wd()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Debug("watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					n.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
