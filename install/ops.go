package install

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/google/renameio/v2"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// symlink points link at target, recording the change. An existing link
// to target is left alone. Anything else at link is an error unless
// force is set, in which case it is replaced.
func (i *Installer) symlink(target, link string, force bool, changes *[]Change) error {
	if cur, ok := i.linkTarget(link); ok && cur == target {
		return nil
	}
	if fi, err := os.Lstat(link); err == nil {
		if !force {
			return errors.AlreadyExistsf("%s", link)
		}
		ct := ChangeSymlinkRemoved
		if fi.Mode()&os.ModeSymlink == 0 {
			ct = ChangeUnlink
		}
		*changes = append(*changes, i.record(Change{Type: ct, Path: link}))
	}

	if err := os.MkdirAll(filepath.Dir(link), dirMode); err != nil {
		return errors.Annotatef(err, "creating %s", filepath.Dir(link))
	}
	if err := renameio.Symlink(target, link); err != nil {
		return errors.Annotatef(err, "linking %s", link)
	}
	*changes = append(*changes, i.record(Change{Type: ChangeSymlink, Path: link, Source: target}))
	return nil
}

func (i *Installer) record(c Change) Change {
	i.logChange(c)
	return c
}

// Enable links each named unit file into the wants and requires
// directories of its [Install] targets and creates its aliases. The
// returned flag reports whether any file carried an [Install] section.
func (i *Installer) Enable(scope Scope, runtime bool, names []string, force bool) (bool, []Change, error) {
	var changes []Change
	carries, err := i.enable(scope, runtime, names, force, set.NewStrings(), &changes)
	if err != nil {
		return false, nil, err
	}
	return carries, changes, nil
}

func (i *Installer) enable(scope Scope, runtime bool, names []string, force bool, seen set.Strings, changes *[]Change) (bool, error) {
	dir, err := i.targetDir(scope, runtime)
	if err != nil {
		return false, err
	}
	var carries bool

	for _, name := range names {
		p, err := i.find(scope, name)
		if err != nil {
			return false, err
		}
		unitName := filepath.Base(name)
		if seen.Contains(unitName) {
			continue
		}
		seen.Add(unitName)

		ii, err := i.readInstall(unitName, p)
		if err != nil {
			return false, err
		}
		if !ii.empty() {
			carries = true
		}

		if filepath.IsAbs(name) {
			if err := i.symlink(p, filepath.Join(dir, unitName), force, changes); err != nil {
				return false, err
			}
		}
		for _, t := range ii.wantedBy {
			if err := i.symlink(p, filepath.Join(dir, t+".wants", unitName), force, changes); err != nil {
				return false, err
			}
		}
		for _, t := range ii.requiredBy {
			if err := i.symlink(p, filepath.Join(dir, t+".requires", unitName), force, changes); err != nil {
				return false, err
			}
		}
		for _, a := range ii.alias {
			if !ValidName(a) {
				return false, errors.NotValidf("alias %q of %s", a, unitName)
			}
			if err := i.symlink(p, filepath.Join(dir, a), force, changes); err != nil {
				return false, err
			}
		}
		if len(ii.also) > 0 {
			c, err := i.enable(scope, runtime, ii.also, force, seen, changes)
			if err != nil {
				return false, err
			}
			carries = carries || c
		}
	}
	return carries, nil
}

// Reenable disables and then enables each named unit file
func (i *Installer) Reenable(scope Scope, runtime bool, names []string, force bool) (bool, []Change, error) {
	changes, err := i.Disable(scope, runtime, names)
	if err != nil {
		return false, nil, err
	}
	carries, more, err := i.Enable(scope, runtime, names, force)
	if err != nil {
		return false, nil, err
	}
	return carries, append(changes, more...), nil
}

// Link makes unit files outside the search path available by linking
// them into the configuration directory
func (i *Installer) Link(scope Scope, runtime bool, names []string, force bool) ([]Change, error) {
	dir, err := i.targetDir(scope, runtime)
	if err != nil {
		return nil, err
	}
	var changes []Change

	for _, name := range names {
		if !filepath.IsAbs(name) {
			return nil, errors.NotValidf("link source %q: path must be absolute", name)
		}
		p, err := i.find(scope, name)
		if err != nil {
			return nil, err
		}
		if !ValidName(filepath.Base(p)) {
			return nil, errors.NotValidf("unit name %q", filepath.Base(p))
		}
		if err := i.symlink(p, filepath.Join(dir, filepath.Base(p)), force, &changes); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// Mask links each named unit to /dev/null
func (i *Installer) Mask(scope Scope, runtime bool, names []string, force bool) ([]Change, error) {
	dir, err := i.targetDir(scope, runtime)
	if err != nil {
		return nil, err
	}
	var changes []Change

	for _, name := range names {
		unitName := filepath.Base(name)
		if !ValidName(unitName) {
			return nil, errors.NotValidf("unit name %q", unitName)
		}
		if err := i.symlink(devNull, filepath.Join(dir, unitName), force, &changes); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// Unmask removes /dev/null links of each named unit
func (i *Installer) Unmask(scope Scope, runtime bool, names []string) ([]Change, error) {
	dir, err := i.targetDir(scope, runtime)
	if err != nil {
		return nil, err
	}
	var changes []Change

	for _, name := range names {
		unitName := filepath.Base(name)
		if !ValidName(unitName) {
			return nil, errors.NotValidf("unit name %q", unitName)
		}
		link := filepath.Join(dir, unitName)
		if t, ok := i.linkTarget(link); !ok || t != devNull {
			continue
		}
		if err := os.Remove(link); err != nil {
			return nil, errors.Annotatef(err, "removing %s", link)
		}
		changes = append(changes, i.record(Change{Type: ChangeSymlinkRemoved, Path: link}))
	}
	return changes, nil
}

// Disable removes every link to the named units, including those of
// their Also= units. Masks are left in place. Links removed before a
// failing removal stay removed and are not reported.
func (i *Installer) Disable(scope Scope, runtime bool, names []string) ([]Change, error) {
	remove := set.NewStrings()
	queue := append([]string(nil), names...)
	for len(queue) > 0 {
		name := filepath.Base(queue[0])
		queue = queue[1:]
		if !ValidName(name) {
			return nil, errors.NotValidf("unit name %q", name)
		}
		if remove.Contains(name) {
			continue
		}
		remove.Add(name)
		if p, err := i.find(scope, name); err == nil {
			if ii, err := i.readInstall(name, p); err == nil {
				queue = append(queue, ii.also...)
				for _, a := range ii.alias {
					remove.Add(a)
				}
			}
		}
	}

	dir, err := i.targetDir(scope, runtime)
	if err != nil {
		return nil, err
	}
	var links []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		t, ok := i.linkTarget(p)
		if !ok || t == devNull {
			return nil
		}
		if remove.Contains(filepath.Base(p)) || remove.Contains(filepath.Base(t)) {
			links = append(links, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Annotatef(err, "scanning %s", dir)
	}

	var changes []Change
	for _, l := range links {
		if err := os.Remove(l); err != nil {
			return nil, errors.Annotatef(err, "removing %s", l)
		}
		changes = append(changes, i.record(Change{Type: ChangeSymlinkRemoved, Path: l}))
	}
	return changes, nil
}

// Preset enables or disables each named unit according to the preset
// policy of scope
func (i *Installer) Preset(scope Scope, runtime bool, names []string, force bool) (bool, []Change, error) {
	rules, err := i.loadPresets(scope)
	if err != nil {
		return false, nil, err
	}

	var (
		enable, disable []string
	)
	for _, name := range names {
		if rules.enabled(filepath.Base(name)) {
			enable = append(enable, name)
		} else {
			disable = append(disable, name)
		}
	}

	var changes []Change
	if len(disable) > 0 {
		c, err := i.Disable(scope, runtime, disable)
		if err != nil {
			return false, nil, err
		}
		changes = append(changes, c...)
	}
	var carries bool
	if len(enable) > 0 {
		ok, c, err := i.Enable(scope, runtime, enable, force)
		if err != nil {
			return false, nil, err
		}
		carries = ok
		changes = append(changes, c...)
	}
	return carries, changes, nil
}

// SetDefault points default.target at the named target
func (i *Installer) SetDefault(scope Scope, name string, force bool) ([]Change, error) {
	if !ValidName(name) || !strings.HasSuffix(name, ".target") {
		return nil, errors.NotValidf("default target %q", name)
	}
	p, err := i.find(scope, name)
	if err != nil {
		return nil, err
	}

	var changes []Change
	link := filepath.Join(i.abs(i.lookup(scope).config), DefaultTarget)
	if err := i.symlink(p, link, force, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// GetDefault returns the name of the target default.target points at
func (i *Installer) GetDefault(scope Scope) (string, error) {
	for _, dir := range i.lookup(scope).search {
		link := i.abs(filepath.Join(dir, DefaultTarget))
		if t, ok := i.linkTarget(link); ok {
			return filepath.Base(t), nil
		}
		if _, err := os.Stat(link); err == nil {
			return DefaultTarget, nil
		}
	}
	return "", errors.NotFoundf("%s", DefaultTarget)
}

// List returns every unit file in the search path of scope with its
// state. Files earlier in the search path shadow later ones.
func (i *Installer) List(scope Scope) ([]sddbus.UnitFile, error) {
	seen := set.NewStrings()
	var out []sddbus.UnitFile

	for _, dir := range i.lookup(scope).search {
		entries, err := os.ReadDir(i.abs(dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Annotatef(err, "reading %s", dir)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !ValidName(name) || seen.Contains(name) {
				continue
			}
			seen.Add(name)
			st, err := i.State(scope, name)
			if err != nil {
				st = FileInvalid
			}
			out = append(out, sddbus.UnitFile{
				Path: i.abs(filepath.Join(dir, name)),
				Type: st.String(),
			})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out, nil
}

// State returns the installation state of the named unit file
func (i *Installer) State(scope Scope, name string) (FileState, error) {
	if !ValidName(name) {
		return FileInvalid, errors.NotValidf("unit name %q", name)
	}
	lp := i.lookup(scope)

	for _, dir := range lp.search {
		p := i.abs(filepath.Join(dir, name))
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		isRuntime := lp.runtime != "" && dir == lp.runtime

		t, isLink := i.linkTarget(p)
		if isLink && t == devNull {
			if isRuntime {
				return FileMaskedRuntime, nil
			}
			return FileMasked, nil
		}

		switch en := i.enabledIn(lp, name); en {
		case FileEnabled, FileEnabledRuntime:
			return en, nil
		}

		if isLink && (dir == lp.config || isRuntime) && !i.inSearchPath(lp, filepath.Dir(t)) {
			if isRuntime {
				return FileLinkedRuntime, nil
			}
			return FileLinked, nil
		}

		src := filepath.Join(dir, name)
		if isLink {
			src = t
		}
		ii, err := i.readInstall(name, src)
		if err != nil {
			return FileInvalid, nil
		}
		if ii.empty() {
			return FileStatic, nil
		}
		return FileDisabled, nil
	}
	return FileInvalid, errors.NotFoundf("unit file %s", name)
}

// enabledIn looks for wants/requires links or aliases naming name.
// It returns FileDisabled when there are none.
func (i *Installer) enabledIn(lp lookupPaths, name string) FileState {
	dirs := []struct {
		dir   string
		state FileState
	}{
		{lp.config, FileEnabled},
		{lp.runtime, FileEnabledRuntime},
	}
	for _, d := range dirs {
		if d.dir == "" {
			continue
		}
		found := false
		root := i.abs(d.dir)
		_ = filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
			if err != nil || found {
				return nil
			}
			if e.Type()&fs.ModeSymlink == 0 || filepath.Dir(p) == root {
				return nil
			}
			parent := filepath.Base(filepath.Dir(p))
			if !strings.HasSuffix(parent, ".wants") && !strings.HasSuffix(parent, ".requires") {
				return nil
			}
			if t, ok := i.linkTarget(p); ok && (filepath.Base(p) == name || filepath.Base(t) == name) {
				found = true
			}
			return nil
		})
		if found {
			return d.state
		}
	}
	return FileDisabled
}

func (i *Installer) inSearchPath(lp lookupPaths, dir string) bool {
	for _, d := range lp.search {
		if d == dir {
			return true
		}
	}
	return false
}
