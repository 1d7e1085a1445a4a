package unitmgr

import (
	"bytes"
	"sort"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Kill targets accepted by KillUnit
const (
	KillAll     = "all"
	KillMain    = "main"
	KillControl = "control"
)

// AuxUnit is an auxiliary unit created alongside a transient unit
type AuxUnit struct {
	Name       string
	Properties []sddbus.Property
}

// GetUnit returns the reference of a loaded unit
func (m *Manager) GetUnit(c Caller, name string) (dbus.ObjectPath, error) {
	const op = "GetUnit"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	u := m.registry.Get(name)
	if u == nil {
		return "", newError(ErrNotFound, op, name, "unit %s not loaded", name)
	}
	return u.Path(), nil
}

// GetUnitByPID returns the reference of the unit owning pid. A zero pid
// resolves to the caller's own process.
func (m *Manager) GetUnitByPID(c Caller, pid int) (dbus.ObjectPath, error) {
	const op = "GetUnitByPID"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	if pid == 0 {
		pid = c.PID
	}
	if pid <= 0 {
		return "", newError(ErrInvalidArgument, op, "", "caller process is unknown")
	}
	u := m.registry.GetByPID(pid)
	if u == nil {
		return "", newError(ErrNotFound, op, "", "no unit for PID %d is loaded", pid)
	}
	return u.Path(), nil
}

// LoadUnit loads the named unit on demand and returns its reference
func (m *Manager) LoadUnit(c Caller, name string) (dbus.ObjectPath, error) {
	const op = "LoadUnit"
	m.mu.Lock()
	defer m.mu.Unlock()

	if !ValidUnitName(name) {
		return "", newError(ErrInvalidArgument, op, name, "unit name is invalid")
	}
	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	u, err := m.registry.Load(name)
	if err != nil {
		return "", upstream(op, name, err)
	}
	return u.Path(), nil
}

// StartUnit enqueues a start job
func (m *Manager) StartUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "StartUnit", name, JobStart, mode, false)
}

// StopUnit enqueues a stop job
func (m *Manager) StopUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "StopUnit", name, JobStop, mode, false)
}

// ReloadUnit enqueues a reload job
func (m *Manager) ReloadUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "ReloadUnit", name, JobReload, mode, false)
}

// RestartUnit enqueues a restart job
func (m *Manager) RestartUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "RestartUnit", name, JobRestart, mode, false)
}

// TryRestartUnit enqueues a restart job that only applies to running units
func (m *Manager) TryRestartUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "TryRestartUnit", name, JobTryRestart, mode, false)
}

// ReloadOrRestartUnit reloads units that support it and restarts the rest
func (m *Manager) ReloadOrRestartUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "ReloadOrRestartUnit", name, JobRestart, mode, true)
}

// ReloadOrTryRestartUnit reloads units that support it and try-restarts the rest
func (m *Manager) ReloadOrTryRestartUnit(c Caller, name, mode string) (dbus.ObjectPath, error) {
	return m.unitJob(c, "ReloadOrTryRestartUnit", name, JobTryRestart, mode, true)
}

// StartUnitReplace starts name, provided oldName has a pending start job
func (m *Manager) StartUnitReplace(c Caller, oldName, name, mode string) (dbus.ObjectPath, error) {
	const op = "StartUnitReplace"
	jm, err := ParseJobMode(mode)
	if err != nil {
		return "", &Error{Kind: ErrInvalidArgument, Op: op, Name: name, Msg: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStart, op); err != nil {
		return "", err
	}
	old := m.registry.Get(oldName)
	if old == nil || old.Job == nil || old.Job.Type != JobStart {
		return "", conflictError(ErrNoSuchJob, op, oldName, "no job queued for unit %s", oldName)
	}
	return m.enqueueLocked(op, name, JobStart, jm, false)
}

func (m *Manager) unitJob(c Caller, op, name string, t JobType, mode string, reloadIfPossible bool) (dbus.ObjectPath, error) {
	jm, err := ParseJobMode(mode)
	if err != nil {
		return "", &Error{Kind: ErrInvalidArgument, Op: op, Name: name, Msg: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, t.Action(), op); err != nil {
		return "", err
	}
	return m.enqueueLocked(op, name, t, jm, reloadIfPossible)
}

func (m *Manager) enqueueLocked(op, name string, t JobType, mode JobMode, reloadIfPossible bool) (dbus.ObjectPath, error) {
	if !ValidUnitName(name) {
		return "", newError(ErrInvalidArgument, op, name, "unit name is invalid")
	}
	u, err := m.registry.Load(name)
	if err != nil {
		return "", upstream(op, name, err)
	}

	if reloadIfPossible && u.CanReload {
		switch t {
		case JobRestart:
			t = JobReloadOrRestart
		case JobTryRestart:
			t = JobTryReload
		}
	}

	j, err := m.jobs.Enqueue(u, t, mode)
	if err != nil {
		return "", upstream(op, name, err)
	}
	m.logger.WithFields(logrus.Fields{
		"unit": u.ID,
		"job":  j.ID,
		"type": t.String(),
		"mode": mode.String(),
	}).Debug("job enqueued")
	return j.Path(), nil
}

// KillUnit sends signal to the processes of the named unit selected by whom
func (m *Manager) KillUnit(c Caller, name, whom string, signal int) error {
	const op = "KillUnit"
	var who sddbus.Who
	switch whom {
	case "", KillAll:
		who = sddbus.All
	case KillMain:
		who = sddbus.Main
	case KillControl:
		who = sddbus.Control
	default:
		return newError(ErrInvalidArgument, op, name, "invalid who argument %q", whom)
	}
	if signal <= 0 || signal >= SignalMax {
		return newError(ErrInvalidArgument, op, name, "signal number %d out of range", signal)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStop, op); err != nil {
		return err
	}
	u := m.registry.Get(name)
	if u == nil {
		return newError(ErrNotFound, op, name, "unit %s is not loaded", name)
	}
	return upstream(op, name, m.registry.Kill(u, who, signal))
}

// ResetFailedUnit clears the failed state of the named unit
func (m *Manager) ResetFailedUnit(c Caller, name string) error {
	const op = "ResetFailedUnit"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	u := m.registry.Get(name)
	if u == nil {
		return newError(ErrNotFound, op, name, "unit %s is not loaded", name)
	}
	return upstream(op, name, m.registry.ResetFailed(u))
}

// SetUnitProperties applies property assignments to a loaded unit
func (m *Manager) SetUnitProperties(c Caller, name string, runtime bool, props []sddbus.Property) error {
	const op = "SetUnitProperties"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStart, op); err != nil {
		return err
	}
	u := m.registry.Get(name)
	if u == nil {
		return newError(ErrNotFound, op, name, "unit %s is not loaded", name)
	}
	mode := PropertyPersistent
	if runtime {
		mode = PropertyRuntime
	}
	return upstream(op, name, m.registry.SetProperties(u, props, mode))
}

// StartTransientUnit creates a unit from props and enqueues a start job
// for it. Auxiliary units are created transient as well but get no job.
// Steps that already committed (marking a unit transient, applied
// properties) are not rolled back when a later step fails.
func (m *Manager) StartTransientUnit(c Caller, name, mode string, props []sddbus.Property, aux []AuxUnit) (dbus.ObjectPath, error) {
	const op = "StartTransientUnit"

	if !ValidUnitName(name) {
		return "", newError(ErrInvalidArgument, op, name, "unit name is invalid")
	}
	kind, _ := KindFromName(name)
	if !kind.Capabilities().SupportsTransient {
		return "", newError(ErrInvalidArgument, op, name, "unit type %s does not support transient units", kind)
	}
	jm, err := ParseJobMode(mode)
	if err != nil {
		return "", &Error{Kind: ErrInvalidArgument, Op: op, Name: name, Msg: err.Error()}
	}
	for _, a := range aux {
		if !ValidUnitName(a.Name) {
			return "", newError(ErrInvalidArgument, op, a.Name, "unit name is invalid")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStart, op); err != nil {
		return "", err
	}

	u, err := m.createTransientLocked(op, name, props)
	if err != nil {
		return "", err
	}
	for _, a := range aux {
		if _, err := m.createTransientLocked(op, a.Name, a.Properties); err != nil {
			return "", err
		}
	}
	m.registry.DispatchLoadQueue()

	j, err := m.jobs.Enqueue(u, JobStart, jm)
	if err != nil {
		return "", upstream(op, name, err)
	}
	m.logger.WithFields(logrus.Fields{
		"unit": u.ID,
		"job":  j.ID,
		"aux":  len(aux),
	}).Info("transient unit started")
	return j.Path(), nil
}

func (m *Manager) createTransientLocked(op, name string, props []sddbus.Property) (*Unit, error) {
	u, err := m.registry.Load(name)
	if err != nil {
		return nil, upstream(op, name, err)
	}
	if (u.LoadState != LoadNotFound && u.LoadState != LoadStub) || u.Referenced() {
		return nil, conflictError(ErrUnitExists, op, name, "unit %s already exists", name)
	}
	if err := m.registry.MakeTransient(u); err != nil {
		return nil, upstream(op, name, err)
	}
	if err := m.registry.SetProperties(u, props, PropertyRuntime); err != nil {
		return nil, upstream(op, name, err)
	}
	if err := m.registry.LoadUnit(u); err != nil {
		return nil, upstream(op, name, err)
	}
	return u, nil
}

// ListUnits returns a summary row per unit, sorted by name. Aliases are
// not listed separately.
func (m *Manager) ListUnits(c Caller) ([]sddbus.UnitStatus, error) {
	const op = "ListUnits"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return nil, err
	}
	units := m.registry.Units()
	out := make([]sddbus.UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, u.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSnapshot snapshots the current unit states. An empty name lets
// the registry pick one.
func (m *Manager) CreateSnapshot(c Caller, name string, cleanup bool) (dbus.ObjectPath, error) {
	const op = "CreateSnapshot"
	if name != "" {
		if k, _ := KindFromName(name); k != KindSnapshot || !ValidUnitName(name) {
			return "", newError(ErrInvalidArgument, op, name, "snapshot name is invalid")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStart, op); err != nil {
		return "", err
	}
	u, err := m.registry.CreateSnapshot(name, cleanup)
	if err != nil {
		return "", upstream(op, name, err)
	}
	return u.Path(), nil
}

// RemoveSnapshot removes a snapshot unit
func (m *Manager) RemoveSnapshot(c Caller, name string) error {
	const op = "RemoveSnapshot"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStop, op); err != nil {
		return err
	}
	u := m.registry.Get(name)
	if u == nil {
		return newError(ErrNotFound, op, name, "unit %s does not exist", name)
	}
	if u.Kind != KindSnapshot {
		return newError(ErrNotFound, op, name, "unit %s is not a snapshot", name)
	}
	return upstream(op, name, m.registry.RemoveSnapshot(u))
}

// Dump returns a textual snapshot of every unit and job
func (m *Manager) Dump(c Caller) (string, error) {
	const op = "Dump"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := m.registry.Dump(&buf); err != nil {
		return "", upstream(op, "", err)
	}
	if err := m.jobs.Dump(&buf); err != nil {
		return "", upstream(op, "", err)
	}
	return buf.String(), nil
}
