package install

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const vendorDir = "/usr/lib/systemd/system"

func newTestInstaller(t *testing.T) (*Installer, string) {
	t.Helper()
	root := t.TempDir()
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	return New(WithRoot(root), WithHome("/home/test"), WithRuntimeDir("/run/user/1000"), WithLogger(l)), root
}

func writeUnit(t *testing.T, root, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(root, dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const webUnit = `[Unit]
Description=web

[Service]
ExecStart=/bin/web

[Install]
WantedBy=multi-user.target
Alias=www.service
`

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"foo.service", true},
		{"foo@bar.service", true},
		{"multi-user.target", true},
		{"foo", false},
		{".service", false},
		{"foo.bar", false},
		{"dir/foo.service", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTemplateOf(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"getty@tty1.service", "getty@.service"},
		{"getty@.service", ""},
		{"plain.service", ""},
	}
	for _, tt := range tests {
		if got := templateOf(tt.name); got != tt.want {
			t.Errorf("templateOf(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEnableDisable(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)

	carries, changes, err := i.Enable(ScopeSystem, false, []string{"web.service"}, false)
	require.NoError(t, err)
	require.True(t, carries)
	require.Len(t, changes, 2)
	for _, c := range changes {
		require.Equal(t, ChangeSymlink, c.Type)
		require.Equal(t, vendorDir+"/web.service", c.Source)
	}

	wants := filepath.Join(root, "/etc/systemd/system/multi-user.target.wants/web.service")
	target, err := os.Readlink(wants)
	require.NoError(t, err)
	require.Equal(t, vendorDir+"/web.service", target)

	st, err := i.State(ScopeSystem, "web.service")
	require.NoError(t, err)
	require.Equal(t, FileEnabled, st)

	// Enabling again is idempotent and reports no changes.
	_, changes, err = i.Enable(ScopeSystem, false, []string{"web.service"}, false)
	require.NoError(t, err)
	require.Empty(t, changes)

	changes, err = i.Disable(ScopeSystem, false, []string{"web.service"})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		require.Equal(t, ChangeSymlinkRemoved, c.Type)
	}

	st, err = i.State(ScopeSystem, "web.service")
	require.NoError(t, err)
	require.Equal(t, FileDisabled, st)

	changes, err = i.Disable(ScopeSystem, false, []string{"web.service"})
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestEnableRuntime(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)

	_, changes, err := i.Enable(ScopeSystem, true, []string{"web.service"}, false)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	require.FileExists(t, filepath.Join(root, "/run/systemd/system/multi-user.target.wants/web.service"))

	st, err := i.State(ScopeSystem, "web.service")
	require.NoError(t, err)
	require.Equal(t, FileEnabledRuntime, st)
}

func TestRuntimeWithoutRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	root := t.TempDir()
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	i := New(WithRoot(root), WithHome("/home/u"), WithLogger(l))
	writeUnit(t, root, "/usr/lib/systemd/user", "a.service", "[Service]\nExecStart=/bin/a\n\n[Install]\nWantedBy=default.target\n")

	_, changes, err := i.Enable(ScopeUser, true, []string{"a.service"}, false)
	require.True(t, errors.Is(err, errors.NotSupported), "got %v", err)
	require.Empty(t, changes)
	require.NoDirExists(t, filepath.Join(root, "/home/u/.config/systemd/user/default.target.wants"))

	_, err = i.Mask(ScopeUser, true, []string{"a.service"}, false)
	require.True(t, errors.Is(err, errors.NotSupported), "got %v", err)
	_, err = i.Disable(ScopeUser, true, []string{"a.service"})
	require.True(t, errors.Is(err, errors.NotSupported), "got %v", err)

	// the persistent tier is unaffected
	_, changes, err = i.Enable(ScopeUser, false, []string{"a.service"}, false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.FileExists(t, filepath.Join(root, "/home/u/.config/systemd/user/default.target.wants/a.service"))
}

func TestEnableStatic(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "helper.service", "[Service]\nExecStart=/bin/true\n")

	carries, changes, err := i.Enable(ScopeSystem, false, []string{"helper.service"}, false)
	require.NoError(t, err)
	require.False(t, carries)
	require.Empty(t, changes)

	st, err := i.State(ScopeSystem, "helper.service")
	require.NoError(t, err)
	require.Equal(t, FileStatic, st)
}

func TestEnableAlso(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", "[Install]\nWantedBy=multi-user.target\nAlso=web.socket\n")
	writeUnit(t, root, vendorDir, "web.socket", "[Install]\nWantedBy=sockets.target\nAlso=web.service\n")

	_, changes, err := i.Enable(ScopeSystem, false, []string{"web.service"}, false)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.FileExists(t, filepath.Join(root, "/etc/systemd/system/sockets.target.wants/web.socket"))
}

func TestEnableMissing(t *testing.T) {
	i, _ := newTestInstaller(t)

	_, changes, err := i.Enable(ScopeSystem, false, []string{"nope.service"}, false)
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)
	require.Nil(t, changes)
}

func TestEnableConflictForce(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)
	writeUnit(t, root, "/etc/systemd/system", "www.service", "[Service]\nExecStart=/bin/other\n")

	_, _, err := i.Enable(ScopeSystem, false, []string{"web.service"}, false)
	require.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)

	_, changes, err := i.Enable(ScopeSystem, false, []string{"web.service"}, true)
	require.NoError(t, err)

	var unlinked bool
	for _, c := range changes {
		if c.Type == ChangeUnlink {
			unlinked = true
		}
	}
	require.True(t, unlinked, "expected the regular file to be replaced: %+v", changes)
}

func TestMaskUnmask(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)

	changes, err := i.Mask(ScopeSystem, false, []string{"web.service"}, false)
	require.NoError(t, err)
	require.Equal(t, []Change{{
		Type:   ChangeSymlink,
		Path:   filepath.Join(root, "/etc/systemd/system/web.service"),
		Source: devNull,
	}}, changes)

	st, err := i.State(ScopeSystem, "web.service")
	require.NoError(t, err)
	require.Equal(t, FileMasked, st)

	changes, err = i.Unmask(ScopeSystem, false, []string{"web.service"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, ChangeSymlinkRemoved, changes[0].Type)

	changes, err = i.Unmask(ScopeSystem, false, []string{"web.service"})
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestLink(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, "/opt/app", "app.service", "[Service]\nExecStart=/opt/app/run\n")

	_, err := i.Link(ScopeSystem, false, []string{"app.service"}, false)
	require.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	changes, err := i.Link(ScopeSystem, false, []string{"/opt/app/app.service"}, false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "/opt/app/app.service", changes[0].Source)

	st, err := i.State(ScopeSystem, "app.service")
	require.NoError(t, err)
	require.Equal(t, FileLinked, st)
}

func TestSetGetDefault(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "graphical.target", "[Unit]\nDescription=Graphical\n")

	_, err := i.GetDefault(ScopeSystem)
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	_, err = i.SetDefault(ScopeSystem, "web.service", false)
	require.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	changes, err := i.SetDefault(ScopeSystem, "graphical.target", false)
	require.NoError(t, err)
	require.Len(t, changes, 1)

	name, err := i.GetDefault(ScopeSystem)
	require.NoError(t, err)
	require.Equal(t, "graphical.target", name)
}

func TestPreset(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)
	writeUnit(t, root, vendorDir, "debug.service", "[Install]\nWantedBy=multi-user.target\n")
	writeUnit(t, root, "/usr/lib/systemd/system-preset", "90-default.preset", "# defaults\nenable web.*\ndisable *\n")

	carries, changes, err := i.Preset(ScopeSystem, false, []string{"web.service", "debug.service"}, false)
	require.NoError(t, err)
	require.True(t, carries)
	require.NotEmpty(t, changes)

	st, err := i.State(ScopeSystem, "web.service")
	require.NoError(t, err)
	require.Equal(t, FileEnabled, st)

	st, err = i.State(ScopeSystem, "debug.service")
	require.NoError(t, err)
	require.Equal(t, FileDisabled, st)
}

func TestPresetShadowing(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, "/usr/lib/systemd/system-preset", "50-x.preset", "enable foo.service\n")
	writeUnit(t, root, "/etc/systemd/system-preset", "50-x.preset", "disable foo.service\n")

	rules, err := i.loadPresets(ScopeSystem)
	require.NoError(t, err)
	require.False(t, rules.enabled("foo.service"))
	require.True(t, rules.enabled("bar.service"))
}

func TestList(t *testing.T) {
	i, root := newTestInstaller(t)
	writeUnit(t, root, vendorDir, "web.service", webUnit)
	writeUnit(t, root, vendorDir, "helper.service", "[Service]\nExecStart=/bin/true\n")
	writeUnit(t, root, vendorDir, "README", "not a unit")

	files, err := i.List(ScopeSystem)
	require.NoError(t, err)
	require.Len(t, files, 2)

	states := map[string]string{}
	for _, f := range files {
		states[filepath.Base(f.Path)] = f.Type
	}
	require.Equal(t, "disabled", states["web.service"])
	require.Equal(t, "static", states["helper.service"])
}

func TestStateNotFound(t *testing.T) {
	i, _ := newTestInstaller(t)

	_, err := i.State(ScopeSystem, "nope.service")
	require.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	_, err = i.State(ScopeSystem, "bad")
	require.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}

func TestUserScopeDirs(t *testing.T) {
	i, root := newTestInstaller(t)
	dirs := i.Dirs(ScopeUser)
	require.Equal(t, filepath.Join(root, "/home/test/.config/systemd/user"), dirs[0])
	require.Equal(t, filepath.Join(root, "/run/user/1000/systemd/user"), dirs[1])
}
