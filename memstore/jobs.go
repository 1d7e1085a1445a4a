package memstore

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr"
)

// JobsOption configures a Jobs queue
type JobsOption func(*Jobs)

// WithJobsLogger sets the logger
func WithJobsLogger(l *logrus.Logger) JobsOption {
	return func(q *Jobs) {
		q.logger = l
	}
}

// Jobs is an in-memory unitmgr.JobQueue. Finished jobs update the
// runtime state of their unit through the registry.
type Jobs struct {
	registry *Registry
	logger   *logrus.Logger
	notifier unitmgr.Notifier

	jobs   map[uint32]*unitmgr.Job
	lastID uint32
	stats  unitmgr.JobStats
}

var _ unitmgr.JobQueue = (*Jobs)(nil)
var _ unitmgr.NotifierSetter = (*Jobs)(nil)

// NewJobs creates an empty queue bound to registry
func NewJobs(registry *Registry, opts ...JobsOption) *Jobs {
	q := &Jobs{
		registry: registry,
		jobs:     make(map[uint32]*unitmgr.Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = registry.logger
	}
	return q
}

// SetNotifier implements unitmgr.NotifierSetter
func (q *Jobs) SetNotifier(n unitmgr.Notifier) {
	q.notifier = n
}

// Get implements unitmgr.JobQueue
func (q *Jobs) Get(id uint32) *unitmgr.Job {
	return q.jobs[id]
}

// Enqueue implements unitmgr.JobQueue.
//
// A pending job of the same type is merged and returned. Any other
// pending job is replaced, unless mode is fail or the pending job is
// irreversible. Flush and isolate cancel every other job first.
func (q *Jobs) Enqueue(u *unitmgr.Unit, t unitmgr.JobType, mode unitmgr.JobMode) (*unitmgr.Job, error) {
	if err := q.applicable(u, t, mode); err != nil {
		return nil, err
	}

	if old := u.Job; old != nil {
		if old.Type == t {
			return old, nil
		}
		if old.Irreversible || mode == unitmgr.JobModeFail {
			return nil, &unitmgr.Error{
				Kind:   unitmgr.ErrConflict,
				Reason: unitmgr.ErrJobConflict,
				Op:     "Enqueue",
				Name:   u.ID,
				Msg:    fmt.Sprintf("%s job %d is pending", old.Type, old.ID),
			}
		}
	}

	if mode == unitmgr.JobModeFlush || mode == unitmgr.JobModeIsolate {
		for _, j := range q.Jobs() {
			if j.Unit != u {
				q.Cancel(j)
			}
		}
	}
	if old := u.Job; old != nil {
		q.Cancel(old)
	}

	q.lastID++
	j := &unitmgr.Job{
		ID:           q.lastID,
		Unit:         u,
		Type:         t,
		Mode:         mode,
		State:        unitmgr.JobWaiting,
		Irreversible: mode == unitmgr.JobModeReplaceIrreversibly,
	}
	q.jobs[j.ID] = j
	u.Job = j
	q.stats.Installed++

	q.logger.WithFields(logrus.Fields{
		"job":  j.ID,
		"unit": u.ID,
		"type": t,
		"mode": mode,
	}).Debug("job installed")
	if q.notifier != nil {
		q.notifier.JobNew(j)
	}
	return j, nil
}

func (q *Jobs) applicable(u *unitmgr.Unit, t unitmgr.JobType, mode unitmgr.JobMode) error {
	if mode == unitmgr.JobModeIsolate && !u.Kind.Capabilities().CanIsolate {
		return errors.NotValidf("isolate for %s", u.ID)
	}
	if t == unitmgr.JobStop {
		return nil
	}
	switch u.LoadState {
	case unitmgr.LoadLoaded:
	case unitmgr.LoadMasked:
		return errors.NotSupportedf("%s of masked unit %s", t, u.ID)
	case unitmgr.LoadNotFound:
		return errors.NotFoundf("unit %s", u.ID)
	default:
		return errors.NotValidf("%s of unit %s in load state %s", t, u.ID, u.LoadState)
	}
	if (t == unitmgr.JobReload || t == unitmgr.JobTryReload) && !u.CanReload {
		return errors.NotValidf("reload of %s", u.ID)
	}
	return nil
}

// Run marks a waiting job as running
func (q *Jobs) Run(j *unitmgr.Job) {
	if q.jobs[j.ID] == j {
		j.State = unitmgr.JobRunning
	}
}

// Cancel implements unitmgr.JobQueue
func (q *Jobs) Cancel(j *unitmgr.Job) {
	q.Finish(j, unitmgr.JobCanceled)
}

// Finish implements unitmgr.JobQueue. A job that already finished is
// ignored.
func (q *Jobs) Finish(j *unitmgr.Job, r unitmgr.JobResult) {
	if q.jobs[j.ID] != j {
		return
	}
	delete(q.jobs, j.ID)
	if j.Unit.Job == j {
		j.Unit.Job = nil
	}
	j.Result = r
	if r != unitmgr.JobDone {
		q.stats.Failed++
	}
	q.settle(j)

	q.logger.WithFields(logrus.Fields{
		"job":    j.ID,
		"unit":   j.Unit.ID,
		"type":   j.Type,
		"result": r,
	}).Debug("job finished")
	if q.notifier != nil {
		q.notifier.JobRemoved(j)
	}
}

// settle moves the unit to the state the finished job leads to
func (q *Jobs) settle(j *unitmgr.Job) {
	u := j.Unit
	switch j.Result {
	case unitmgr.JobDone:
	case unitmgr.JobFailed, unitmgr.JobTimeout:
		q.registry.SetActiveState(u, unitmgr.ActiveStateFailed, subFailed)
		return
	default:
		return
	}

	switch j.Type {
	case unitmgr.JobStop:
		q.registry.SetActiveState(u, unitmgr.ActiveStateInactive, subDead)
	case unitmgr.JobStart, unitmgr.JobRestart, unitmgr.JobReloadOrRestart:
		q.registry.SetActiveState(u, unitmgr.ActiveStateActive, subRunning)
	case unitmgr.JobTryRestart, unitmgr.JobReloadOrTryRestart, unitmgr.JobReload, unitmgr.JobTryReload:
		if u.ActiveState == unitmgr.ActiveStateActive {
			q.registry.SetActiveState(u, unitmgr.ActiveStateActive, subRunning)
		}
	}
}

// Clear implements unitmgr.JobQueue
func (q *Jobs) Clear() {
	for _, j := range q.Jobs() {
		q.Cancel(j)
	}
}

// Jobs implements unitmgr.JobQueue. Jobs are returned by id.
func (q *Jobs) Jobs() []*unitmgr.Job {
	out := make([]*unitmgr.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats implements unitmgr.JobQueue
func (q *Jobs) Stats() unitmgr.JobStats {
	return q.stats
}

// Dump implements unitmgr.JobQueue
func (q *Jobs) Dump(w io.Writer) error {
	var b strings.Builder
	for _, j := range q.Jobs() {
		fmt.Fprintf(&b, "-> Job %d:\n", j.ID)
		fmt.Fprintf(&b, "\tAction: %s -> %s\n", j.Unit.ID, j.Type)
		fmt.Fprintf(&b, "\tState: %s\n", j.State)
		fmt.Fprintf(&b, "\tMode: %s\n", j.Mode)
		fmt.Fprintf(&b, "\tIrreversible: %t\n", j.Irreversible)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
