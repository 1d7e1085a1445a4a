package memstore

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/juju/errors"
)

// Config is the configuration found for a unit name
type Config struct {
	// ID is the canonical name; it differs from the requested name for aliases
	ID string
	// Path is the unit file the configuration was read from
	Path string
	// Masked is set when the unit file is linked to /dev/null
	Masked bool
	// Options holds the unit file followed by its drop-ins
	Options []*sdunit.UnitOption
}

// Loader resolves unit names to configuration. It returns an error
// satisfying errors.Is(err, errors.NotFound) for unknown names.
type Loader interface {
	Load(name string) (*Config, error)
}

// DirLoader reads unit files and name.d/*.conf drop-ins from a list of
// directories, most specific first
type DirLoader struct {
	Dirs []string
}

// Load implements Loader
func (l DirLoader) Load(name string) (*Config, error) {
	candidates := []string{name}
	if t := templateOf(name); t != "" {
		candidates = append(candidates, t)
	}

	for _, c := range candidates {
		for _, dir := range l.Dirs {
			p := filepath.Join(dir, c)
			fi, err := os.Lstat(p)
			if err != nil {
				continue
			}

			cfg := &Config{ID: name, Path: p}
			if fi.Mode()&os.ModeSymlink != 0 {
				target, err := os.Readlink(p)
				if err != nil {
					return nil, errors.Annotatef(err, "reading link %s", p)
				}
				if target == "/dev/null" {
					cfg.Masked = true
					return cfg, nil
				}
				if base := filepath.Base(target); base != c && c == name {
					// alias; the registry loads the canonical name
					cfg.ID = base
					return cfg, nil
				}
			}

			content, err := os.ReadFile(p)
			if err != nil {
				return nil, errors.Annotatef(err, "reading %s", p)
			}
			opts, err := sdunit.DeserializeOptions(bytes.NewReader(content))
			if err != nil {
				return nil, errors.NewNotValid(err, "parsing "+p)
			}
			cfg.Options = opts

			dropins, err := l.dropIns(name)
			if err != nil {
				return nil, err
			}
			cfg.Options = append(cfg.Options, dropins...)
			return cfg, nil
		}
	}
	return nil, errors.NotFoundf("unit %s", name)
}

// dropIns returns the options of every name.d/*.conf file. A file name
// in an earlier directory shadows the same name later on.
func (l DirLoader) dropIns(name string) ([]*sdunit.UnitOption, error) {
	files := make(map[string]string)
	for _, dir := range l.Dirs {
		d := filepath.Join(dir, name+".d")
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
				continue
			}
			if _, ok := files[e.Name()]; !ok {
				files[e.Name()] = filepath.Join(d, e.Name())
			}
		}
	}

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var opts []*sdunit.UnitOption
	for _, n := range names {
		content, err := os.ReadFile(files[n])
		if err != nil {
			return nil, errors.Annotatef(err, "reading %s", files[n])
		}
		o, err := sdunit.DeserializeOptions(bytes.NewReader(content))
		if err != nil {
			return nil, errors.NewNotValid(err, "parsing "+files[n])
		}
		opts = append(opts, o...)
	}
	return opts, nil
}

func templateOf(name string) string {
	at := strings.IndexByte(name, '@')
	dot := strings.LastIndexByte(name, '.')
	if at <= 0 || dot < at || at+1 == dot {
		return ""
	}
	return name[:at+1] + name[dot:]
}

// option returns the last value of section.key, or ""
func option(opts []*sdunit.UnitOption, section, key string) string {
	var v string
	for _, o := range opts {
		if o.Section == section && o.Name == key {
			v = o.Value
		}
	}
	return v
}

// optionList returns all whitespace separated values of section.key.
// An empty assignment resets the list.
func optionList(opts []*sdunit.UnitOption, section, key string) []string {
	var out []string
	for _, o := range opts {
		if o.Section != section || o.Name != key {
			continue
		}
		if o.Value == "" {
			out = nil
			continue
		}
		out = append(out, strings.Fields(o.Value)...)
	}
	return out
}
