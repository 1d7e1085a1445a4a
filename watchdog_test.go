package unitmgr

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestWatchdog(parent time.Duration) (*NotifyWatchdog, *testclock.Clock, chan string) {
	clk := testclock.NewClock(time.Unix(0, 0))
	w := NewNotifyWatchdog(clk, discardLogger())
	pings := make(chan string, 16)
	w.notify = func(state string) (bool, error) {
		pings <- state
		return true, nil
	}
	w.parent = func() (time.Duration, error) {
		return parent, nil
	}
	return w, clk, pings
}

func TestNotifyWatchdogPings(t *testing.T) {
	w, clk, pings := newTestWatchdog(0)
	defer w.Close()

	d, err := w.SetTimeout(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d)

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
		select {
		case got := <-pings:
			if got != daemon.SdNotifyWatchdog {
				t.Errorf("got %q, want %q", got, daemon.SdNotifyWatchdog)
			}
		case <-time.After(time.Second):
			t.Fatalf("no keep-alive after interval %d", i+1)
		}
	}

	d, err = w.SetTimeout(0)
	require.NoError(t, err)
	require.Zero(t, d)
	require.Zero(t, w.Timeout())
}

func TestNotifyWatchdogParentCap(t *testing.T) {
	w, _, _ := newTestWatchdog(4 * time.Second)
	defer w.Close()

	d, err := w.SetTimeout(10 * time.Second)
	require.NoError(t, err)
	if d != 4*time.Second {
		t.Errorf("got %v, want %v", d, 4*time.Second)
	}

	d, err = w.SetTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)

	_, err = w.SetTimeout(-time.Second)
	require.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
}

func TestManagerRuntimeWatchdog(t *testing.T) {
	w, _, pings := newTestWatchdog(30 * time.Second)
	m, err := New(nil, nil,
		WithWatchdog(w),
		WithRuntimeWatchdog(time.Minute),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 30*time.Second, m.RuntimeWatchdog())

	root := Caller{UID: 0}
	require.NoError(t, m.SetRuntimeWatchdog(root, 10*time.Second))
	require.Equal(t, 10*time.Second, m.RuntimeWatchdog())
	require.Equal(t, 10*time.Second, w.Timeout())

	err = m.SetRuntimeWatchdog(root, -1)
	require.Equal(t, ErrInvalidArgument, KindOf(err))

	err = m.SetRuntimeWatchdog(Caller{UID: 1000}, time.Second)
	require.Equal(t, ErrAccessDenied, KindOf(err))
	require.Equal(t, 10*time.Second, m.RuntimeWatchdog())

	require.NoError(t, w.Ready())
	require.Equal(t, daemon.SdNotifyReady, <-pings)
}
