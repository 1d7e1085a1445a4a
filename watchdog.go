package unitmgr

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"vawter.tech/stopper"
)

// NotifyWatchdog feeds the watchdog of a supervising service manager
// through the notification socket. It pings at half the timeout.
type NotifyWatchdog struct {
	clock  clock.Clock
	logger *logrus.Logger
	notify func(state string) (bool, error)
	parent func() (time.Duration, error)

	mu      sync.Mutex
	sctx    *stopper.Context
	timeout time.Duration
}

// NewNotifyWatchdog creates a stopped watchdog
func NewNotifyWatchdog(c clock.Clock, logger *logrus.Logger) *NotifyWatchdog {
	if c == nil {
		c = clock.WallClock
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotifyWatchdog{
		clock:  c,
		logger: logger,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		parent: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// SetTimeout reprograms the watchdog. Zero stops it. The effective
// timeout is capped by the parent's watchdog interval, if it has one.
func (w *NotifyWatchdog) SetTimeout(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, newError(ErrInvalidArgument, "SetTimeout", "", "negative watchdog timeout %v", d)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	if d == 0 {
		w.timeout = 0
		return 0, nil
	}

	if p, err := w.parent(); err != nil {
		return 0, err
	} else if p > 0 && p < d {
		d = p
	}
	w.timeout = d

	interval := d / 2
	w.sctx = stopper.WithContext(context.Background())
	w.sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-w.clock.After(interval):
				if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
					w.logger.WithError(err).Warn("watchdog keep-alive failed")
				}
			}
		}
	})
	w.logger.WithField("timeout", d).Debug("watchdog armed")
	return d, nil
}

// Timeout returns the effective timeout, zero when stopped
func (w *NotifyWatchdog) Timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// Ready reports startup completion to the supervising manager
func (w *NotifyWatchdog) Ready() error {
	_, err := w.notify(daemon.SdNotifyReady)
	return err
}

// Close stops the keep-alive loop
func (w *NotifyWatchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked()
}

func (w *NotifyWatchdog) stopLocked() error {
	if w.sctx == nil {
		return nil
	}
	w.sctx.Stop(100 * time.Millisecond)
	err := w.sctx.Wait()
	w.sctx = nil
	return err
}
