package unitmgr

import (
	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/godbus/dbus/v5"
	"github.com/juju/collections/set"
)

// Unit is a named manageable entity. Units are owned by the Registry;
// the Manager only reads them and hands them back to collaborators.
type Unit struct {
	// ID is the primary name
	ID string
	// Names holds the primary name and all aliases
	Names []string
	// Kind is derived from the name suffix
	Kind UnitKind
	// Description is the human readable description
	Description string
	// LoadState tracks configuration loading
	LoadState LoadState
	// ActiveState is the high-level runtime state
	ActiveState string
	// SubState is the kind-specific runtime state
	SubState string
	// Following names the unit whose state this unit mirrors, if any
	Following string
	// FragmentPath is the unit file the unit was loaded from
	FragmentPath string
	// Job is the single pending job, if any
	Job *Job
	// ReferencedBy holds the names of units referencing this unit
	ReferencedBy set.Strings
	// Transient marks units constructed at request time
	Transient bool
	// CanReload reports whether reload jobs are applicable
	CanReload bool
	// Options holds the unit configuration applied so far
	Options []*unit.UnitOption
	// PIDs are the processes currently attributed to the unit
	PIDs []int
}

// Path returns the object path referencing u
func (u *Unit) Path() dbus.ObjectPath {
	return UnitPath(u.ID)
}

// Referenced reports whether any other unit references u
func (u *Unit) Referenced() bool {
	return u.ReferencedBy != nil && u.ReferencedBy.Size() > 0
}

// Status returns the ListUnits row for u
func (u *Unit) Status() sddbus.UnitStatus {
	st := sddbus.UnitStatus{
		Name:        u.ID,
		Description: u.Description,
		LoadState:   u.LoadState.String(),
		ActiveState: u.ActiveState,
		SubState:    u.SubState,
		Followed:    u.Following,
		Path:        u.Path(),
		JobPath:     "/",
	}
	if st.Description == "" {
		st.Description = u.ID
	}
	if u.Job != nil {
		st.JobId = u.Job.ID
		st.JobType = u.Job.Type.String()
		st.JobPath = u.Job.Path()
	}
	return st
}

// Path returns the object path referencing j
func (j *Job) Path() dbus.ObjectPath {
	return JobPath(j.ID)
}

// Status returns the ListJobs row for j
func (j *Job) Status() sddbus.JobStatus {
	return sddbus.JobStatus{
		Id:       j.ID,
		Unit:     j.Unit.ID,
		JobType:  j.Type.String(),
		Status:   j.State.String(),
		JobPath:  j.Path(),
		UnitPath: j.Unit.Path(),
	}
}
