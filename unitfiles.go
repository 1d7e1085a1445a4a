package unitmgr

import (
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr/install"
)

// UnitFileOp is a bulk unit-file mutation
type UnitFileOp int

const (
	// OpEnable links units into their install targets
	OpEnable UnitFileOp = iota
	// OpReenable disables and enables again
	OpReenable
	// OpPreset enables or disables according to preset policy
	OpPreset
	// OpLink links unit files from outside the search path
	OpLink
	// OpMask links units to /dev/null
	OpMask
	// OpDisable removes install links
	OpDisable
	// OpUnmask removes /dev/null links
	OpUnmask
)

// unitFileOpInfo is the static parameter record of an operation
type unitFileOpInfo struct {
	name string
	// action checked by the access gate
	action Action
	// carriesInfo operations reply with the install-info flag
	carriesInfo bool
	// force operations accept a force flag
	force bool
}

var unitFileOps = [...]unitFileOpInfo{
	OpEnable:   {name: "EnableUnitFiles", action: ActionEnable, carriesInfo: true, force: true},
	OpReenable: {name: "ReenableUnitFiles", action: ActionEnable, carriesInfo: true, force: true},
	OpPreset:   {name: "PresetUnitFiles", action: ActionEnable, carriesInfo: true, force: true},
	OpLink:     {name: "LinkUnitFiles", action: ActionEnable, force: true},
	OpMask:     {name: "MaskUnitFiles", action: ActionDisable, force: true},
	OpDisable:  {name: "DisableUnitFiles", action: ActionDisable},
	OpUnmask:   {name: "UnmaskUnitFiles", action: ActionEnable},
}

// String returns the request name of an operation
func (o UnitFileOp) String() string {
	if o >= 0 && int(o) < len(unitFileOps) {
		return unitFileOps[o].name
	}
	return "unknown"
}

// UnitFileChange is a file system change reported by a unit-file mutation
type UnitFileChange struct {
	// Type is "symlink", "symlink-removed" or "unlink"
	Type string
	// Filename is the affected path
	Filename string
	// Destination is the link target, empty for removals
	Destination string
}

// UnitFileChanges is the reply of a unit-file mutation
type UnitFileChanges struct {
	// CarriesInstallInfo is only meaningful for enable-class operations
	CarriesInstallInfo bool
	// Changes lists the file system changes in the order they were made
	Changes []UnitFileChange
}

// EnableUnitFiles enables the named unit files
func (m *Manager) EnableUnitFiles(c Caller, names []string, runtime, force bool) (UnitFileChanges, error) {
	return m.mutateUnitFiles(c, OpEnable, names, runtime, force)
}

// ReenableUnitFiles disables and then enables the named unit files
func (m *Manager) ReenableUnitFiles(c Caller, names []string, runtime, force bool) (UnitFileChanges, error) {
	return m.mutateUnitFiles(c, OpReenable, names, runtime, force)
}

// PresetUnitFiles applies the preset policy to the named unit files
func (m *Manager) PresetUnitFiles(c Caller, names []string, runtime, force bool) (UnitFileChanges, error) {
	return m.mutateUnitFiles(c, OpPreset, names, runtime, force)
}

// LinkUnitFiles links unit files from outside the search path
func (m *Manager) LinkUnitFiles(c Caller, names []string, runtime, force bool) ([]UnitFileChange, error) {
	r, err := m.mutateUnitFiles(c, OpLink, names, runtime, force)
	return r.Changes, err
}

// MaskUnitFiles masks the named units
func (m *Manager) MaskUnitFiles(c Caller, names []string, runtime, force bool) ([]UnitFileChange, error) {
	r, err := m.mutateUnitFiles(c, OpMask, names, runtime, force)
	return r.Changes, err
}

// DisableUnitFiles disables the named unit files
func (m *Manager) DisableUnitFiles(c Caller, names []string, runtime bool) ([]UnitFileChange, error) {
	r, err := m.mutateUnitFiles(c, OpDisable, names, runtime, false)
	return r.Changes, err
}

// UnmaskUnitFiles unmasks the named units
func (m *Manager) UnmaskUnitFiles(c Caller, names []string, runtime bool) ([]UnitFileChange, error) {
	r, err := m.mutateUnitFiles(c, OpUnmask, names, runtime, false)
	return r.Changes, err
}

func (m *Manager) mutateUnitFiles(c Caller, op UnitFileOp, names []string, runtime, force bool) (UnitFileChanges, error) {
	info := unitFileOps[op]
	if !info.force {
		force = false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, info.action, info.name); err != nil {
		return UnitFileChanges{}, err
	}

	scope := m.scope()
	var (
		carries bool
		changes []install.Change
		err     error
	)
	switch op {
	case OpEnable:
		carries, changes, err = m.installer.Enable(scope, runtime, names, force)
	case OpReenable:
		carries, changes, err = m.installer.Reenable(scope, runtime, names, force)
	case OpPreset:
		carries, changes, err = m.installer.Preset(scope, runtime, names, force)
	case OpLink:
		changes, err = m.installer.Link(scope, runtime, names, force)
	case OpMask:
		changes, err = m.installer.Mask(scope, runtime, names, force)
	case OpDisable:
		changes, err = m.installer.Disable(scope, runtime, names)
	case OpUnmask:
		changes, err = m.installer.Unmask(scope, runtime, names)
	}
	if err != nil {
		return UnitFileChanges{}, upstream(info.name, "", err)
	}

	reply := m.unitFilesChangedLocked(info.name, changes)
	if info.carriesInfo {
		reply.CarriesInstallInfo = carries
	}
	return reply, nil
}

// unitFilesChangedLocked is the shared tail of unit-file mutations: it
// notifies subscribers once if anything changed and builds the reply.
func (m *Manager) unitFilesChangedLocked(op string, changes []install.Change) UnitFileChanges {
	reply := UnitFileChanges{Changes: make([]UnitFileChange, 0, len(changes))}
	for _, ch := range changes {
		reply.Changes = append(reply.Changes, UnitFileChange{
			Type:        ch.Type.String(),
			Filename:    ch.Path,
			Destination: ch.Source,
		})
	}
	if len(changes) > 0 {
		m.metrics.unitFileChanges.Add(float64(len(changes)))
		_ = m.broadcast(newSignal(SignalUnitFilesChanged))
		m.logger.WithFields(logrus.Fields{
			"op":      op,
			"changes": len(changes),
		}).Info("unit files changed")
	}
	return reply
}

// SetDefaultTarget points the default target at name
func (m *Manager) SetDefaultTarget(c Caller, name string, force bool) ([]UnitFileChange, error) {
	const op = "SetDefaultTarget"
	if !ValidUnitName(name) {
		return nil, newError(ErrInvalidArgument, op, name, "unit name is invalid")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionEnable, op); err != nil {
		return nil, err
	}
	changes, err := m.installer.SetDefault(m.scope(), name, force)
	if err != nil {
		return nil, upstream(op, name, err)
	}
	return m.unitFilesChangedLocked(op, changes).Changes, nil
}

// GetDefaultTarget returns the name of the default target
func (m *Manager) GetDefaultTarget(c Caller) (string, error) {
	const op = "GetDefaultTarget"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	name, err := m.installer.GetDefault(m.scope())
	if err != nil {
		return "", upstream(op, "", err)
	}
	return name, nil
}

// ListUnitFiles returns every unit file with its installation state
func (m *Manager) ListUnitFiles(c Caller) ([]sddbus.UnitFile, error) {
	const op = "ListUnitFiles"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return nil, err
	}
	files, err := m.installer.List(m.scope())
	if err != nil {
		return nil, upstream(op, "", err)
	}
	return files, nil
}

// GetUnitFileState returns the installation state of a unit file
func (m *Manager) GetUnitFileState(c Caller, name string) (string, error) {
	const op = "GetUnitFileState"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	st, err := m.installer.State(m.scope(), name)
	if err != nil {
		return "", upstream(op, name, err)
	}
	return st.String(), nil
}

// unitFilesChangedExternally is called by the unit-file watcher
func (m *Manager) unitFilesChangedExternally() {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.broadcast(newSignal(SignalUnitFilesChanged))
}
