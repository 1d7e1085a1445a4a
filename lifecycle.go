package unitmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr/internal/unix"
)

// ExitCode is the manager's pending decision on what the process does next
type ExitCode int

const (
	// ExitRunning means keep serving requests
	ExitRunning ExitCode = iota
	// ExitReload means reload configuration
	ExitReload
	// ExitReexecute means re-execute the manager binary
	ExitReexecute
	// ExitExit means terminate a per-user manager
	ExitExit
	// ExitReboot means reboot the system
	ExitReboot
	// ExitPowerOff means power off the system
	ExitPowerOff
	// ExitHalt means halt the system
	ExitHalt
	// ExitKExec means boot into a loaded kernel
	ExitKExec
	// ExitSwitchRoot means re-execute inside a new root directory
	ExitSwitchRoot
)

var exitCodeNames = [...]string{
	ExitRunning:    "running",
	ExitReload:     "reload",
	ExitReexecute:  "reexecute",
	ExitExit:       "exit",
	ExitReboot:     "reboot",
	ExitPowerOff:   "poweroff",
	ExitHalt:       "halt",
	ExitKExec:      "kexec",
	ExitSwitchRoot: "switch-root",
}

// String returns the string representation of an ExitCode
func (e ExitCode) String() string {
	if e >= 0 && int(e) < len(exitCodeNames) {
		return exitCodeNames[e]
	}
	return "unknown"
}

// DeferredReply is the reply of a Reload request, withheld until the
// reload has completed. It is resolved exactly once.
type DeferredReply struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newDeferredReply() *DeferredReply {
	return &DeferredReply{done: make(chan struct{})}
}

// Resolve sends the reply. Only the first call has an effect.
func (d *DeferredReply) Resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Done is closed once the reply was resolved
func (d *DeferredReply) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the reply is resolved or ctx is done
func (d *DeferredReply) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lifecycle is the one-shot exit-code latch and the deferred reply slot
type lifecycle struct {
	code           ExitCode
	pending        *DeferredReply
	switchRoot     string
	switchRootInit string
}

func (l *lifecycle) latch(op string, code ExitCode) error {
	if l.pending != nil {
		return conflictError(ErrReloadPending, op, "", "a reload is already in progress")
	}
	if l.code != ExitRunning {
		return conflictError(ErrLifecyclePending, op, "", "%s already requested", l.code)
	}
	l.code = code
	return nil
}

// Reload requests a configuration reload. The returned reply resolves
// once the driver calls CompleteReload.
func (m *Manager) Reload(c Caller) (*DeferredReply, error) {
	const op = "Reload"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return nil, err
	}
	if err := m.life.latch(op, ExitReload); err != nil {
		return nil, err
	}
	m.life.pending = newDeferredReply()
	m.logLifecycle(c, ExitReload)
	return m.life.pending, nil
}

// Reexecute requests re-execution of the manager. There is no reply;
// callers observe the transport going away.
func (m *Manager) Reexecute(c Caller) error {
	return m.requestExit(c, "Reexecute", ActionReload, ExitReexecute, false, false)
}

// Exit requests termination of a per-user manager
func (m *Manager) Exit(c Caller) error {
	return m.requestExit(c, "Exit", ActionHalt, ExitExit, true, false)
}

// Reboot requests a system reboot
func (m *Manager) Reboot(c Caller) error {
	return m.requestExit(c, "Reboot", ActionReboot, ExitReboot, false, true)
}

// PowerOff requests a system power-off
func (m *Manager) PowerOff(c Caller) error {
	return m.requestExit(c, "PowerOff", ActionHalt, ExitPowerOff, false, true)
}

// Halt requests a system halt
func (m *Manager) Halt(c Caller) error {
	return m.requestExit(c, "Halt", ActionHalt, ExitHalt, false, true)
}

// KExec requests a kexec into a previously loaded kernel
func (m *Manager) KExec(c Caller) error {
	return m.requestExit(c, "KExec", ActionReboot, ExitKExec, false, true)
}

func (m *Manager) requestExit(c Caller, op string, a Action, code ExitCode, userOnly, systemOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, a, op); err != nil {
		return err
	}
	if err := m.modeAllows(op, userOnly, systemOnly); err != nil {
		return err
	}
	if err := m.life.latch(op, code); err != nil {
		return err
	}
	m.logLifecycle(c, code)
	return nil
}

func (m *Manager) modeAllows(op string, userOnly, systemOnly bool) error {
	if userOnly && m.mode != ModeUser {
		return newError(ErrUnsupported, op, "", "%s is only supported for user managers", op)
	}
	if systemOnly && m.mode != ModeSystem {
		return newError(ErrUnsupported, op, "", "%s is only supported for system managers", op)
	}
	return nil
}

// SwitchRoot requests re-execution inside root. Without init, root must
// contain an OS tree; with init, root+init must be executable. The
// switch itself is left to the driver.
func (m *Manager) SwitchRoot(c Caller, root, init string) error {
	const op = "SwitchRoot"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReboot, op); err != nil {
		return err
	}
	if err := m.modeAllows(op, false, true); err != nil {
		return err
	}

	if !filepath.IsAbs(root) || filepath.Clean(root) == "/" {
		return newError(ErrInvalidArgument, op, root, "invalid switch root path")
	}
	if init == "" {
		if _, err := os.Stat(filepath.Join(root, OSReleaseFile)); err != nil {
			return newError(ErrInvalidArgument, op, root, "specified switch root path does not seem to be an OS tree")
		}
	} else {
		if !filepath.IsAbs(init) {
			return newError(ErrInvalidArgument, op, init, "invalid init path")
		}
		if !unix.IsExecutable(filepath.Join(root, init)) {
			return newError(ErrInvalidArgument, op, init, "specified init binary does not exist")
		}
	}

	if err := m.life.latch(op, ExitSwitchRoot); err != nil {
		return err
	}
	m.life.switchRoot = root
	m.life.switchRootInit = init
	m.logLifecycle(c, ExitSwitchRoot)
	return nil
}

func (m *Manager) logLifecycle(c Caller, code ExitCode) {
	m.logger.WithFields(logrus.Fields{
		"caller":    c.String(),
		"exit_code": code.String(),
	}).Info("lifecycle transition requested")
}

// ExitCode returns the latched exit code
func (m *Manager) ExitCode() ExitCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.life.code
}

// SwitchRootTarget returns the root and init stored by SwitchRoot
func (m *Manager) SwitchRootTarget() (root, init string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.life.switchRoot, m.life.switchRootInit
}

// BeginReload tells subscribers a reload is starting
func (m *Manager) BeginReload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcast(newSignal(SignalReloading, true))
}

// CompleteReload resolves the deferred Reload reply with err, returns
// the state machine to running and tells subscribers the reload ended.
func (m *Manager) CompleteReload(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.life.code != ExitReload {
		return newError(ErrConflict, "CompleteReload", "", "no reload in progress")
	}
	if m.life.pending != nil {
		m.life.pending.Resolve(err)
		m.life.pending = nil
	}
	m.life.code = ExitRunning
	return m.broadcast(newSignal(SignalReloading, false))
}
