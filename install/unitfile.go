package install

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

var unitSuffixes = set.NewStrings(
	"service", "socket", "target", "device", "mount", "automount",
	"swap", "timer", "path", "slice", "scope", "snapshot",
)

// ValidName reports whether name looks like a unit file name
func ValidName(name string) bool {
	if name == "" || len(name) > 256 || strings.ContainsRune(name, '/') {
		return false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return false
	}
	return unitSuffixes.Contains(name[dot+1:])
}

// templateOf returns the template name of an instance name, or ""
func templateOf(name string) string {
	at := strings.IndexByte(name, '@')
	dot := strings.LastIndexByte(name, '.')
	if at <= 0 || dot < at || at+1 == dot {
		return ""
	}
	return name[:at+1] + name[dot:]
}

// installInfo is the [Install] section of a unit file
type installInfo struct {
	name       string
	path       string
	wantedBy   []string
	requiredBy []string
	alias      []string
	also       []string
}

func (ii *installInfo) empty() bool {
	return len(ii.wantedBy) == 0 && len(ii.requiredBy) == 0 && len(ii.alias) == 0 && len(ii.also) == 0
}

// find locates the unit file for name. Absolute paths are taken as is.
// The returned path is root-relative.
func (i *Installer) find(scope Scope, name string) (string, error) {
	if filepath.IsAbs(name) {
		fi, err := os.Stat(i.abs(name))
		if err != nil {
			return "", errors.NotFoundf("unit file %s", name)
		}
		if !fi.Mode().IsRegular() {
			return "", errors.NotValidf("unit file %s", name)
		}
		return name, nil
	}
	if !ValidName(name) {
		return "", errors.NotValidf("unit name %q", name)
	}

	candidates := []string{name}
	if t := templateOf(name); t != "" {
		candidates = append(candidates, t)
	}
	for _, c := range candidates {
		for _, dir := range i.lookup(scope).search {
			p := filepath.Join(dir, c)
			if _, err := os.Lstat(i.abs(p)); err != nil {
				continue
			}
			if t, ok := i.linkTarget(i.abs(p)); ok {
				if t == devNull {
					return "", errors.NotValidf("unit %s is masked", name)
				}
				return t, nil
			}
			return p, nil
		}
	}
	return "", errors.NotFoundf("unit file %s", name)
}

// readInstall parses the [Install] section of the unit file at the
// root-relative path p
func (i *Installer) readInstall(name, p string) (*installInfo, error) {
	content, err := os.ReadFile(i.abs(p))
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", p)
	}
	opts, err := sdunit.DeserializeOptions(bytes.NewReader(content))
	if err != nil {
		return nil, errors.NewNotValid(err, "parsing "+p)
	}

	ii := &installInfo{name: name, path: p}
	for _, opt := range opts {
		if opt.Section != "Install" {
			continue
		}
		values := strings.Fields(opt.Value)
		switch opt.Name {
		case "WantedBy":
			ii.wantedBy = append(ii.wantedBy, values...)
		case "RequiredBy":
			ii.requiredBy = append(ii.requiredBy, values...)
		case "Alias":
			ii.alias = append(ii.alias, values...)
		case "Also":
			ii.also = append(ii.also, values...)
		}
	}
	return ii, nil
}

// linkTarget reads the symlink at the absolute path p and returns its
// root-relative target
func (i *Installer) linkTarget(p string) (string, bool) {
	fi, err := os.Lstat(p)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return "", false
	}
	t, err := os.Readlink(p)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(t) {
		t = i.rel(filepath.Join(filepath.Dir(p), t))
	}
	return t, true
}
