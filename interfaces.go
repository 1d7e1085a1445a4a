package unitmgr

import (
	"io"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	"github.com/axondata/go-unitmgr/install"
)

// Bus is a transport channel subscribers are reachable on.
// Emit with an empty destination reaches every peer of the channel.
type Bus interface {
	ID() string
	Emit(destination string, sig *dbus.Signal) error
}

// PropertyMode selects the persistence tier of property assignments
type PropertyMode int

const (
	// PropertyRuntime assignments are lost on reboot
	PropertyRuntime PropertyMode = iota
	// PropertyPersistent assignments survive reboot
	PropertyPersistent
)

// String returns the string representation of a PropertyMode
func (m PropertyMode) String() string {
	if m == PropertyPersistent {
		return "persistent"
	}
	return "runtime"
}

// Registry is the name to unit store consumed by the Manager.
// All methods are invoked under the Manager's request serialization.
type Registry interface {
	// Get returns the unit known under name, or nil
	Get(name string) *Unit
	// GetByPID returns the unit owning pid, or nil
	GetByPID(pid int) *Unit
	// Load returns the unit for name, creating and loading it on demand.
	// A unit without configuration is returned with LoadNotFound.
	Load(name string) (*Unit, error)
	// MakeTransient marks a not-found, unreferenced unit as transient
	MakeTransient(u *Unit) error
	// SetProperties applies property assignments to u
	SetProperties(u *Unit, props []sddbus.Property, mode PropertyMode) error
	// LoadUnit fully loads a populated stub
	LoadUnit(u *Unit) error
	// DispatchLoadQueue flushes deferred loads
	DispatchLoadQueue()
	// Units returns every unit once, by primary name
	Units() []*Unit
	// NNames returns the number of names, aliases included
	NNames() int
	// Kill signals processes of u
	Kill(u *Unit, who sddbus.Who, signal int) error
	// ResetFailed clears the failed state of u
	ResetFailed(u *Unit) error
	// ResetFailedAll clears the failed state of every unit
	ResetFailedAll()
	// CreateSnapshot creates a snapshot unit; empty name picks one
	CreateSnapshot(name string, cleanup bool) (*Unit, error)
	// RemoveSnapshot removes a snapshot unit
	RemoveSnapshot(u *Unit) error
	// Dump writes a textual description of every unit
	Dump(w io.Writer) error
}

// JobStats holds cumulative job counters
type JobStats struct {
	// Installed counts jobs ever installed
	Installed uint32
	// Failed counts jobs that finished with a result other than done
	Failed uint32
}

// JobQueue is the id to job store consumed by the Manager.
// All methods are invoked under the Manager's request serialization.
// The queue owns terminal transitions and emits JobRemoved for them.
type JobQueue interface {
	// Get returns the outstanding job with id, or nil
	Get(id uint32) *Job
	// Enqueue installs a job for u, resolving conflicts per mode
	Enqueue(u *Unit, t JobType, mode JobMode) (*Job, error)
	// Cancel finishes j with JobCanceled
	Cancel(j *Job)
	// Finish completes j with result r and invalidates it
	Finish(j *Job, r JobResult)
	// Clear cancels every outstanding job
	Clear()
	// Jobs returns the outstanding jobs
	Jobs() []*Job
	// Stats returns the cumulative counters
	Stats() JobStats
	// Dump writes a textual description of every job
	Dump(w io.Writer) error
}

// Installer is the unit-file install mechanism consumed by the Manager
type Installer interface {
	Enable(scope install.Scope, runtime bool, names []string, force bool) (bool, []install.Change, error)
	Reenable(scope install.Scope, runtime bool, names []string, force bool) (bool, []install.Change, error)
	Link(scope install.Scope, runtime bool, names []string, force bool) ([]install.Change, error)
	Preset(scope install.Scope, runtime bool, names []string, force bool) (bool, []install.Change, error)
	Mask(scope install.Scope, runtime bool, names []string, force bool) ([]install.Change, error)
	Disable(scope install.Scope, runtime bool, names []string) ([]install.Change, error)
	Unmask(scope install.Scope, runtime bool, names []string) ([]install.Change, error)
	SetDefault(scope install.Scope, name string, force bool) ([]install.Change, error)
	GetDefault(scope install.Scope) (string, error)
	List(scope install.Scope) ([]sddbus.UnitFile, error)
	State(scope install.Scope, name string) (install.FileState, error)
	// Dirs returns the directories unit files are looked up in
	Dirs(scope install.Scope) []string
}

// Notifier receives lifecycle events from the Registry and JobQueue.
// Calls must happen under the Manager's request serialization.
type Notifier interface {
	UnitNew(u *Unit)
	UnitRemoved(u *Unit)
	JobNew(j *Job)
	JobRemoved(j *Job)
}

// NotifierSetter is implemented by collaborators that emit lifecycle events
type NotifierSetter interface {
	SetNotifier(n Notifier)
}

// Watchdog is reprogrammed when the runtime watchdog attribute changes.
// SetTimeout returns the effective timeout; zero disables the watchdog.
type Watchdog interface {
	SetTimeout(d time.Duration) (time.Duration, error)
}
