package unitmgr

import (
	"sort"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// GetJob returns the reference of an outstanding job
func (m *Manager) GetJob(c Caller, id uint32) (dbus.ObjectPath, error) {
	const op = "GetJob"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return "", err
	}
	j := m.jobs.Get(id)
	if j == nil {
		return "", newError(ErrNotFound, op, "", "job %d does not exist", id)
	}
	return j.Path(), nil
}

// CancelJob cancels an outstanding job. The job queue emits JobRemoved.
func (m *Manager) CancelJob(c Caller, id uint32) error {
	const op = "CancelJob"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStop, op); err != nil {
		return err
	}
	j := m.jobs.Get(id)
	if j == nil {
		return newError(ErrNotFound, op, "", "job %d does not exist", id)
	}
	m.jobs.Cancel(j)
	m.logger.WithFields(logrus.Fields{"job": id, "caller": c.String()}).Info("job canceled")
	return nil
}

// ClearJobs cancels every outstanding job
func (m *Manager) ClearJobs(c Caller) error {
	const op = "ClearJobs"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReboot, op); err != nil {
		return err
	}
	m.jobs.Clear()
	return nil
}

// ResetFailed clears the failed state of every unit
func (m *Manager) ResetFailed(c Caller) error {
	const op = "ResetFailed"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	m.registry.ResetFailedAll()
	return nil
}

// ListJobs returns a summary row per outstanding job, sorted by id
func (m *Manager) ListJobs(c Caller) ([]sddbus.JobStatus, error) {
	const op = "ListJobs"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionStatus, op); err != nil {
		return nil, err
	}
	jobs := m.jobs.Jobs()
	out := make([]sddbus.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

// FinishJob applies an asynchronous job completion reported by the
// execution layer. It runs under the same serialization as requests.
func (m *Manager) FinishJob(id uint32, result JobResult) error {
	const op = "FinishJob"
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.jobs.Get(id)
	if j == nil {
		return newError(ErrNotFound, op, "", "job %d does not exist", id)
	}
	m.jobs.Finish(j, result)
	return nil
}
