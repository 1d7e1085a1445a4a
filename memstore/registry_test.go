package memstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/axondata/go-unitmgr"
)

// recorder is a unitmgr.Notifier that records event names
type recorder struct {
	events []string
}

func (r *recorder) UnitNew(u *unitmgr.Unit)     { r.events = append(r.events, "UnitNew "+u.ID) }
func (r *recorder) UnitRemoved(u *unitmgr.Unit) { r.events = append(r.events, "UnitRemoved "+u.ID) }
func (r *recorder) JobNew(j *unitmgr.Job) {
	r.events = append(r.events, "JobNew "+j.Unit.ID+" "+j.Type.String())
}
func (r *recorder) JobRemoved(j *unitmgr.Job) {
	r.events = append(r.events, "JobRemoved "+j.Unit.ID+" "+j.Result.String())
}

func writeUnit(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestRegistry(t *testing.T, dirs ...string) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	r := NewRegistry(WithLoader(DirLoader{Dirs: dirs}))
	r.SetNotifier(rec)
	return r, rec
}

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	p := writeUnit(t, dir, "web.service", `[Unit]
Description=Web server
Wants=db.service

[Service]
ExecStart=/usr/bin/web
ExecReload=/bin/kill -HUP $MAINPID
`)
	writeUnit(t, dir, "web.service.d/10-env.conf", "[Service]\nEnvironment=A=1\n")

	r, rec := newTestRegistry(t, dir)

	u, err := r.Load("web.service")
	require.NoError(t, err)
	require.Equal(t, unitmgr.LoadLoaded, u.LoadState)
	require.Equal(t, "Web server", u.Description)
	require.Equal(t, p, u.FragmentPath)
	require.True(t, u.CanReload)
	require.Equal(t, "A=1", option(u.Options, "Service", "Environment"))
	require.Equal(t, []string{"UnitNew web.service"}, rec.events)

	again, err := r.Load("web.service")
	require.NoError(t, err)
	require.Same(t, u, again)
	require.Len(t, rec.events, 1)

	db, err := r.Load("db.service")
	require.NoError(t, err)
	require.Equal(t, unitmgr.LoadNotFound, db.LoadState)
	require.True(t, db.Referenced(), "db.service should be referenced by web.service")
}

func TestRegistryLoadStates(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "bad.service", "[Service\nExecStart=/bin/true\n")
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(dir, "masked.service")))
	writeUnit(t, dir, "getty@.service", "[Service]\nExecStart=/sbin/agetty %I\n")

	r, _ := newTestRegistry(t, dir)

	tests := []struct {
		name string
		want unitmgr.LoadState
	}{
		{"bad.service", unitmgr.LoadError},
		{"masked.service", unitmgr.LoadMasked},
		{"getty@tty1.service", unitmgr.LoadLoaded},
		{"missing.service", unitmgr.LoadNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := r.Load(tt.name)
			require.NoError(t, err)
			if u.LoadState != tt.want {
				t.Errorf("LoadState = %v, want %v", u.LoadState, tt.want)
			}
		})
	}

	_, err := r.Load("no-suffix")
	require.True(t, errors.Is(err, errors.NotValid))
}

func TestRegistryAlias(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "real.service", "[Service]\nExecStart=/bin/true\n")
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.service"), filepath.Join(dir, "alias.service")))

	r, rec := newTestRegistry(t, dir)
	u, err := r.Load("alias.service")
	require.NoError(t, err)
	require.Equal(t, "real.service", u.ID)
	require.ElementsMatch(t, []string{"real.service", "alias.service"}, u.Names)
	require.Same(t, u, r.Get("real.service"))
	require.Equal(t, 2, r.NNames())
	require.Len(t, r.Units(), 1)
	require.Equal(t, []string{"UnitNew real.service"}, rec.events)
}

func TestRegistryTransient(t *testing.T) {
	r, _ := newTestRegistry(t)

	u, err := r.Load("run-1.service")
	require.NoError(t, err)
	require.Equal(t, unitmgr.LoadNotFound, u.LoadState)

	require.NoError(t, r.MakeTransient(u))
	require.True(t, u.Transient)
	require.Equal(t, unitmgr.LoadStub, u.LoadState)

	props := []sddbus.Property{
		sddbus.PropDescription("one shot"),
		sddbus.PropExecStart([]string{"/bin/sleep", "10"}, true),
		sddbus.PropRemainAfterExit(true),
	}
	require.NoError(t, r.SetProperties(u, props, unitmgr.PropertyRuntime))
	require.NoError(t, r.LoadUnit(u))
	require.Equal(t, unitmgr.LoadLoaded, u.LoadState)
	require.Equal(t, "one shot", u.Description)
	require.Equal(t, "/bin/sleep 10", option(u.Options, "Service", "ExecStart"))
	require.Equal(t, "yes", option(u.Options, "Service", "RemainAfterExit"))

	// a loaded unit cannot become transient again
	err = r.MakeTransient(u)
	require.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestRegistryTransientReferenced(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "a.service", "[Unit]\nRequires=b.service\n[Service]\nExecStart=/bin/true\n")

	r, _ := newTestRegistry(t, dir)
	_, err := r.Load("a.service")
	require.NoError(t, err)

	b, err := r.Load("b.service")
	require.NoError(t, err)
	err = r.MakeTransient(b)
	require.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestRegistryTransientLoadErrors(t *testing.T) {
	r, _ := newTestRegistry(t)

	svc, _ := r.Load("empty.service")
	require.NoError(t, r.MakeTransient(svc))
	err := r.LoadUnit(svc)
	require.True(t, errors.Is(err, errors.NotValid))
	require.Equal(t, unitmgr.LoadError, svc.LoadState)

	scope, _ := r.Load("empty.scope")
	require.NoError(t, r.MakeTransient(scope))
	require.Error(t, r.LoadUnit(scope))

	withPIDs, _ := r.Load("pids.scope")
	require.NoError(t, r.MakeTransient(withPIDs))
	require.NoError(t, r.SetProperties(withPIDs, []sddbus.Property{sddbus.PropPids(42, 43)}, unitmgr.PropertyRuntime))
	require.NoError(t, r.LoadUnit(withPIDs))
	require.Same(t, withPIDs, r.GetByPID(43))
	require.Nil(t, r.GetByPID(44))
}

func TestRegistrySetPropertiesStopsAtFirstError(t *testing.T) {
	r, _ := newTestRegistry(t)
	u, _ := r.Load("x.service")
	require.NoError(t, r.MakeTransient(u))

	props := []sddbus.Property{
		sddbus.PropDescription("first"),
		{Name: "Broken", Value: dbus.MakeVariant(map[string]string{"a": "b"})},
		sddbus.PropRemainAfterExit(true),
	}
	err := r.SetProperties(u, props, unitmgr.PropertyRuntime)
	require.True(t, errors.Is(err, errors.NotValid))
	require.Equal(t, "first", u.Description)
	require.Empty(t, option(u.Options, "Service", "RemainAfterExit"))

	err = r.SetProperties(u, []sddbus.Property{sddbus.PropPids(1)}, unitmgr.PropertyRuntime)
	require.True(t, errors.Is(err, errors.NotValid), "PIDs are only valid for scopes")
}

func TestRegistrySetPropertiesDropIn(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "web.service", "[Service]\nExecStart=/usr/bin/web\n")
	persistent := filepath.Join(t.TempDir(), "etc")
	runtime := filepath.Join(t.TempDir(), "run")

	r := NewRegistry(WithLoader(DirLoader{Dirs: []string{dir}}), WithDropInDirs(persistent, runtime))
	u, err := r.Load("web.service")
	require.NoError(t, err)

	require.NoError(t, r.SetProperties(u, []sddbus.Property{sddbus.PropDescription("rt")}, unitmgr.PropertyRuntime))
	data, err := os.ReadFile(filepath.Join(runtime, "web.service.d", "50-Description.conf"))
	require.NoError(t, err)
	require.Contains(t, string(data), "Description=rt")

	require.NoError(t, r.SetProperties(u, []sddbus.Property{sddbus.PropDescription("disk")}, unitmgr.PropertyPersistent))
	_, err = os.Stat(filepath.Join(persistent, "web.service.d", "50-Description.conf"))
	require.NoError(t, err)
	require.Equal(t, "disk", u.Description)
}

func TestRegistryKill(t *testing.T) {
	type sent struct{ pid, sig int }
	var got []sent
	r := NewRegistry(WithKillFunc(func(pid, sig int) error {
		got = append(got, sent{pid, sig})
		return nil
	}))

	u, _ := r.Load("k.scope")
	require.NoError(t, r.MakeTransient(u))
	require.NoError(t, r.SetProperties(u, []sddbus.Property{sddbus.PropPids(10, 11)}, unitmgr.PropertyRuntime))

	require.NoError(t, r.Kill(u, sddbus.All, 15))
	require.NoError(t, r.Kill(u, sddbus.Main, 9))
	require.Equal(t, []sent{{10, 15}, {11, 15}, {10, 9}}, got)

	err := r.Kill(u, sddbus.Control, 15)
	require.True(t, errors.Is(err, errors.NotFound))
}

func TestRegistrySnapshots(t *testing.T) {
	r, rec := newTestRegistry(t)

	a, _ := r.Load("a.service")
	a.ActiveState = unitmgr.ActiveStateActive

	s, err := r.CreateSnapshot("", false)
	require.NoError(t, err)
	require.Equal(t, "snapshot-1.snapshot", s.ID)
	require.Equal(t, unitmgr.KindSnapshot, s.Kind)
	require.Equal(t, "a.service", option(s.Options, "Unit", "Wants"))

	_, err = r.CreateSnapshot("snapshot-1.snapshot", false)
	require.True(t, errors.Is(err, errors.AlreadyExists))

	require.True(t, errors.Is(r.RemoveSnapshot(a), errors.NotValid))
	require.NoError(t, r.RemoveSnapshot(s))
	require.Nil(t, r.Get(s.ID))
	require.Equal(t, "UnitRemoved snapshot-1.snapshot", rec.events[len(rec.events)-1])

	c, err := r.CreateSnapshot("keep.snapshot", true)
	require.NoError(t, err)
	r.SetActiveState(c, unitmgr.ActiveStateInactive, subDead)
	require.Nil(t, r.Get("keep.snapshot"), "cleanup snapshot should be removed once inactive")
}

func TestRegistryResetFailedAndGC(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "ok.service", "[Service]\nExecStart=/bin/true\n")
	r, _ := newTestRegistry(t, dir)

	ok, _ := r.Load("ok.service")
	r.SetActiveState(ok, unitmgr.ActiveStateFailed, subFailed)
	r.ResetFailedAll()
	require.Equal(t, unitmgr.ActiveStateInactive, ok.ActiveState)

	_, _ = r.Load("gone.service")
	require.Equal(t, 1, r.GC())
	require.Nil(t, r.Get("gone.service"))
	require.NotNil(t, r.Get("ok.service"))
}

func TestRegistryDump(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _ = r.Load("b.service")
	_, _ = r.Load("a.service")

	var buf bytes.Buffer
	require.NoError(t, r.Dump(&buf))
	out := buf.String()
	require.Less(t, bytes.Index([]byte(out), []byte("a.service")), bytes.Index([]byte(out), []byte("b.service")))
	require.Contains(t, out, "Load State: not-found")
}
