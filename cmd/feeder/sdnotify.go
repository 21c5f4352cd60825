package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pricefeeder/pkg/logx"
)

// notifyReady reports readiness to systemd (Type=notify units) and feeds the
// watchdog until ctx ends. Outside systemd it does nothing.
func notifyReady(ctx context.Context, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
