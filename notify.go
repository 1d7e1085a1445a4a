package unitmgr

import (
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Notification member names
const (
	SignalUnitNew          = "UnitNew"
	SignalUnitRemoved      = "UnitRemoved"
	SignalJobNew           = "JobNew"
	SignalJobRemoved       = "JobRemoved"
	SignalStartupFinished  = "StartupFinished"
	SignalUnitFilesChanged = "UnitFilesChanged"
	SignalReloading        = "Reloading"
)

// Subscribe registers the caller for lifecycle notifications
func (m *Manager) Subscribe(c Caller) error {
	const op = "Subscribe"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return err
	}
	if c.Bus == nil {
		return newError(ErrInvalidArgument, op, c.Sender, "caller has no bus")
	}
	if !m.subs.add(Subscriber{Bus: c.Bus, Name: c.Sender}) {
		return conflictError(ErrAlreadySubscribed, op, c.Sender, "client is already subscribed")
	}
	return nil
}

// Unsubscribe removes the caller from the notification set
func (m *Manager) Unsubscribe(c Caller) error {
	const op = "Unsubscribe"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return err
	}
	if c.Bus == nil || !m.subs.remove(Subscriber{Bus: c.Bus, Name: c.Sender}) {
		return conflictError(ErrNotSubscribed, op, c.Sender, "client is not subscribed")
	}
	return nil
}

// Subscribers returns the current subscriber set in subscription order
func (m *Manager) Subscribers() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.list()
}

// broadcast must be called with m.mu held
func (m *Manager) broadcast(sig *dbus.Signal) error {
	f := fanout{subs: m.subs, private: m.private, api: m.api}
	err := f.broadcast(sig)
	if err != nil {
		m.metrics.deliveryFailures.Inc()
		m.logger.WithFields(logrus.Fields{
			"signal":      sig.Name,
			"subscribers": m.subs.size(),
		}).WithError(err).Warn("notification delivery failed")
	}
	return err
}

// notifier forwards Registry and JobQueue events to subscribers. The
// collaborators call it from within Manager methods, so m.mu is held.
type notifier struct {
	m *Manager
}

func (n *notifier) UnitNew(u *Unit) {
	_ = n.m.broadcast(newSignal(SignalUnitNew, u.ID, u.Path()))
}

func (n *notifier) UnitRemoved(u *Unit) {
	_ = n.m.broadcast(newSignal(SignalUnitRemoved, u.ID, u.Path()))
}

func (n *notifier) JobNew(j *Job) {
	_ = n.m.broadcast(newSignal(SignalJobNew, j.ID, j.Unit.Path(), j.Type.String()))
}

func (n *notifier) JobRemoved(j *Job) {
	_ = n.m.broadcast(newSignal(SignalJobRemoved, j.ID, j.Unit.Path(), j.Type.String(), j.Result.String()))
}
