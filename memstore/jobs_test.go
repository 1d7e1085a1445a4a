package memstore

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/axondata/go-unitmgr"
)

func newTestQueue(t *testing.T) (*Registry, *Jobs, *recorder) {
	t.Helper()
	dir := t.TempDir()
	writeUnit(t, dir, "a.service", "[Service]\nExecStart=/bin/true\nExecReload=/bin/true\n")
	writeUnit(t, dir, "b.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, dir, "multi-user.target", "[Unit]\nDescription=Multi-User\n")

	r, rec := newTestRegistry(t, dir)
	q := NewJobs(r)
	q.SetNotifier(rec)
	return r, q, rec
}

func mustLoad(t *testing.T, r *Registry, name string) *unitmgr.Unit {
	t.Helper()
	u, err := r.Load(name)
	require.NoError(t, err)
	return u
}

func TestJobsEnqueueAndFinish(t *testing.T) {
	r, q, rec := newTestQueue(t)
	a := mustLoad(t, r, "a.service")
	rec.events = nil

	j, err := q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeReplace)
	require.NoError(t, err)
	require.Equal(t, uint32(1), j.ID)
	require.Same(t, j, a.Job)
	require.Same(t, j, q.Get(1))
	require.Equal(t, unitmgr.JobWaiting, j.State)

	q.Run(j)
	require.Equal(t, unitmgr.JobRunning, j.State)

	q.Finish(j, unitmgr.JobDone)
	require.Nil(t, a.Job)
	require.Nil(t, q.Get(1))
	require.Equal(t, unitmgr.ActiveStateActive, a.ActiveState)
	require.Equal(t, []string{"JobNew a.service start", "JobRemoved a.service done"}, rec.events)

	// finishing twice is a no-op
	q.Finish(j, unitmgr.JobFailed)
	require.Len(t, rec.events, 2)
	require.Equal(t, unitmgr.JobStats{Installed: 1}, q.Stats())
}

func TestJobsIDsNotReused(t *testing.T) {
	r, q, _ := newTestQueue(t)
	a := mustLoad(t, r, "a.service")

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		j, err := q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeReplace)
		require.NoError(t, err)
		if seen[j.ID] {
			t.Fatalf("job id %d reused", j.ID)
		}
		seen[j.ID] = true
		q.Finish(j, unitmgr.JobDone)
	}
}

func TestJobsModes(t *testing.T) {
	tests := []struct {
		name      string
		first     unitmgr.JobMode
		second    unitmgr.JobType
		mode      unitmgr.JobMode
		wantErr   errors.ConstError
		wantMerge bool
	}{
		{name: "merge same type", first: unitmgr.JobModeReplace, second: unitmgr.JobStart, mode: unitmgr.JobModeFail, wantMerge: true},
		{name: "replace", first: unitmgr.JobModeReplace, second: unitmgr.JobStop, mode: unitmgr.JobModeReplace},
		{name: "fail", first: unitmgr.JobModeReplace, second: unitmgr.JobStop, mode: unitmgr.JobModeFail, wantErr: unitmgr.ErrJobConflict},
		{name: "irreversible", first: unitmgr.JobModeReplaceIrreversibly, second: unitmgr.JobStop, mode: unitmgr.JobModeReplace, wantErr: unitmgr.ErrJobConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, q, rec := newTestQueue(t)
			a := mustLoad(t, r, "a.service")

			first, err := q.Enqueue(a, unitmgr.JobStart, tt.first)
			require.NoError(t, err)
			rec.events = nil

			second, err := q.Enqueue(a, tt.second, tt.mode)
			if tt.wantErr != "" {
				require.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				require.True(t, errors.Is(err, unitmgr.ErrConflict))
				require.Same(t, first, a.Job)
				require.Empty(t, rec.events)
				return
			}
			require.NoError(t, err)
			if tt.wantMerge {
				require.Same(t, first, second)
				require.Empty(t, rec.events)
				return
			}
			require.Equal(t, []string{"JobRemoved a.service canceled", "JobNew a.service stop"}, rec.events)
			require.Same(t, second, a.Job)
			require.Equal(t, unitmgr.JobStats{Installed: 2, Failed: 1}, q.Stats())
		})
	}
}

func TestJobsFlushAndIsolate(t *testing.T) {
	r, q, _ := newTestQueue(t)
	a := mustLoad(t, r, "a.service")
	b := mustLoad(t, r, "b.service")
	target := mustLoad(t, r, "multi-user.target")

	_, err := q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeReplace)
	require.NoError(t, err)
	_, err = q.Enqueue(b, unitmgr.JobStart, unitmgr.JobModeReplace)
	require.NoError(t, err)

	_, err = q.Enqueue(b, unitmgr.JobStop, unitmgr.JobModeFlush)
	require.NoError(t, err)
	require.Nil(t, a.Job)
	require.Len(t, q.Jobs(), 1)

	_, err = q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeIsolate)
	require.True(t, errors.Is(err, errors.NotValid), "services cannot be isolated")

	_, err = q.Enqueue(target, unitmgr.JobStart, unitmgr.JobModeIsolate)
	require.NoError(t, err)
	require.Nil(t, b.Job)
	require.Len(t, q.Jobs(), 1)
}

func TestJobsApplicable(t *testing.T) {
	r, q, _ := newTestQueue(t)
	b := mustLoad(t, r, "b.service")
	missing := mustLoad(t, r, "missing.service")

	_, err := q.Enqueue(b, unitmgr.JobReload, unitmgr.JobModeReplace)
	require.True(t, errors.Is(err, errors.NotValid), "b.service has no ExecReload")

	_, err = q.Enqueue(missing, unitmgr.JobStart, unitmgr.JobModeReplace)
	require.True(t, errors.Is(err, errors.NotFound))

	_, err = q.Enqueue(missing, unitmgr.JobStop, unitmgr.JobModeReplace)
	require.NoError(t, err)
}

func TestJobsFailedResult(t *testing.T) {
	r, q, _ := newTestQueue(t)
	a := mustLoad(t, r, "a.service")

	j, err := q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeReplace)
	require.NoError(t, err)
	q.Finish(j, unitmgr.JobFailed)
	require.Equal(t, unitmgr.ActiveStateFailed, a.ActiveState)
	require.Equal(t, uint32(1), q.Stats().Failed)

	require.NoError(t, r.ResetFailed(a))
	require.Equal(t, unitmgr.ActiveStateInactive, a.ActiveState)
}

func TestJobsClearAndDump(t *testing.T) {
	r, q, rec := newTestQueue(t)
	a := mustLoad(t, r, "a.service")
	b := mustLoad(t, r, "b.service")
	_, _ = q.Enqueue(b, unitmgr.JobStart, unitmgr.JobModeReplace)
	_, _ = q.Enqueue(a, unitmgr.JobStart, unitmgr.JobModeReplace)

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	if jobs[0].ID > jobs[1].ID {
		t.Errorf("Jobs() not sorted by id: %d, %d", jobs[0].ID, jobs[1].ID)
	}

	var buf bytes.Buffer
	require.NoError(t, q.Dump(&buf))
	require.Contains(t, buf.String(), "Action: b.service -> start")

	rec.events = nil
	q.Clear()
	require.Empty(t, q.Jobs())
	require.Equal(t, []string{"JobRemoved b.service canceled", "JobRemoved a.service canceled"}, rec.events)
}
