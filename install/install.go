// Package install manages unit-file installation on disk: enabling,
// disabling, masking, linking, presets and the default target.
//
// Every mutating operation returns the list of file system changes it
// made. An operation that fails returns no changes, although links
// created before the failure stay in place.
package install

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// Scope selects which set of unit directories an operation works on
type Scope int

const (
	// ScopeSystem is the system-wide unit tree
	ScopeSystem Scope = iota
	// ScopeGlobal is the configuration shared by all user managers
	ScopeGlobal
	// ScopeUser is the calling user's unit tree
	ScopeUser
)

// String returns the string representation of a Scope
func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return "user"
	default:
		return "unknown"
	}
}

// ChangeType is the kind of a file system change
type ChangeType int

const (
	// ChangeSymlink is a created symlink
	ChangeSymlink ChangeType = iota
	// ChangeSymlinkRemoved is a removed symlink
	ChangeSymlinkRemoved
	// ChangeUnlink is a removed regular file
	ChangeUnlink
)

// String returns the string representation of a ChangeType
func (t ChangeType) String() string {
	switch t {
	case ChangeSymlink:
		return "symlink"
	case ChangeSymlinkRemoved:
		return "symlink-removed"
	case ChangeUnlink:
		return "unlink"
	default:
		return "unknown"
	}
}

// Change is a single file system change made by an operation
type Change struct {
	// Type is the kind of change
	Type ChangeType
	// Path is the affected file
	Path string
	// Source is the link target for symlink changes
	Source string
}

// FileState is the installation state of a unit file
type FileState int

const (
	// FileEnabled is linked into a target's wants or requires directory
	FileEnabled FileState = iota
	// FileEnabledRuntime is enabled below the runtime directory
	FileEnabledRuntime
	// FileLinked is a unit file outside the search path linked into it
	FileLinked
	// FileLinkedRuntime is linked below the runtime directory
	FileLinkedRuntime
	// FileMasked is linked to /dev/null
	FileMasked
	// FileMaskedRuntime is masked below the runtime directory
	FileMaskedRuntime
	// FileStatic has no [Install] section
	FileStatic
	// FileDisabled has an [Install] section but is not enabled
	FileDisabled
	// FileInvalid could not be parsed
	FileInvalid
)

var fileStateNames = [...]string{
	FileEnabled:        "enabled",
	FileEnabledRuntime: "enabled-runtime",
	FileLinked:         "linked",
	FileLinkedRuntime:  "linked-runtime",
	FileMasked:         "masked",
	FileMaskedRuntime:  "masked-runtime",
	FileStatic:         "static",
	FileDisabled:       "disabled",
	FileInvalid:        "invalid",
}

// String returns the string representation of a FileState
func (s FileState) String() string {
	if s >= 0 && int(s) < len(fileStateNames) {
		return fileStateNames[s]
	}
	return "unknown"
}

const (
	// DefaultTarget is the name of the default target link
	DefaultTarget = "default.target"

	devNull = "/dev/null"
	dirMode = 0o755
)

// Installer works on the unit directories below a root directory
type Installer struct {
	root       string
	home       string
	runtimeDir string
	logger     *logrus.Logger
}

// Option configures an Installer
type Option func(*Installer)

// WithRoot makes every unit directory relative to dir
func WithRoot(dir string) Option {
	return func(i *Installer) {
		i.root = dir
	}
}

// WithHome sets the home directory user-scope configuration lives in
func WithHome(dir string) Option {
	return func(i *Installer) {
		i.home = dir
	}
}

// WithRuntimeDir sets the per-user runtime directory
func WithRuntimeDir(dir string) Option {
	return func(i *Installer) {
		i.runtimeDir = dir
	}
}

// WithLogger sets the logger changes are reported to
func WithLogger(l *logrus.Logger) Option {
	return func(i *Installer) {
		i.logger = l
	}
}

// New creates an Installer. Without options it works on the live system.
func New(opts ...Option) *Installer {
	i := &Installer{root: "/"}
	for _, opt := range opts {
		opt(i)
	}
	if i.home == "" {
		i.home, _ = os.UserHomeDir()
	}
	if i.runtimeDir == "" {
		i.runtimeDir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if i.logger == nil {
		i.logger = logrus.StandardLogger()
	}
	return i
}

// lookupPaths is the directory set of a scope, without the root prefix
type lookupPaths struct {
	config  string
	runtime string
	search  []string
	preset  []string
}

func (i *Installer) lookup(scope Scope) lookupPaths {
	switch scope {
	case ScopeUser:
		lp := lookupPaths{
			config: filepath.Join(i.home, ".config/systemd/user"),
			search: []string{
				"/etc/systemd/user",
				"/run/systemd/user",
				"/usr/local/lib/systemd/user",
				"/usr/lib/systemd/user",
			},
			preset: []string{
				"/etc/systemd/user-preset",
				"/usr/local/lib/systemd/user-preset",
				"/usr/lib/systemd/user-preset",
			},
		}
		if i.runtimeDir != "" {
			lp.runtime = filepath.Join(i.runtimeDir, "systemd/user")
			lp.search = append([]string{lp.config, lp.runtime}, lp.search...)
		} else {
			lp.search = append([]string{lp.config}, lp.search...)
		}
		return lp
	case ScopeGlobal:
		return lookupPaths{
			config:  "/etc/systemd/user",
			runtime: "/run/systemd/user",
			search: []string{
				"/etc/systemd/user",
				"/run/systemd/user",
				"/usr/local/lib/systemd/user",
				"/usr/lib/systemd/user",
			},
			preset: []string{
				"/etc/systemd/user-preset",
				"/usr/local/lib/systemd/user-preset",
				"/usr/lib/systemd/user-preset",
			},
		}
	default:
		return lookupPaths{
			config:  "/etc/systemd/system",
			runtime: "/run/systemd/system",
			search: []string{
				"/etc/systemd/system",
				"/run/systemd/system",
				"/usr/local/lib/systemd/system",
				"/usr/lib/systemd/system",
				"/lib/systemd/system",
			},
			preset: []string{
				"/etc/systemd/system-preset",
				"/usr/local/lib/systemd/system-preset",
				"/usr/lib/systemd/system-preset",
			},
		}
	}
}

// Logger returns the logger unit-file changes are reported to
func (i *Installer) Logger() *logrus.Logger {
	return i.logger
}

// Dirs returns the unit search path of scope, most specific first
func (i *Installer) Dirs(scope Scope) []string {
	lp := i.lookup(scope)
	out := make([]string, 0, len(lp.search))
	for _, d := range lp.search {
		out = append(out, i.abs(d))
	}
	return out
}

// abs maps a root-relative path onto the file system
func (i *Installer) abs(p string) string {
	if i.root == "" || i.root == "/" {
		return p
	}
	return filepath.Join(i.root, p)
}

// rel strips the root prefix from p
func (i *Installer) rel(p string) string {
	if i.root == "" || i.root == "/" {
		return p
	}
	r := strings.TrimPrefix(p, filepath.Clean(i.root))
	if r == "" {
		return "/"
	}
	return r
}

// targetDir returns the directory links are written to. A runtime
// request fails when the scope has no runtime directory.
func (i *Installer) targetDir(scope Scope, runtime bool) (string, error) {
	lp := i.lookup(scope)
	if !runtime {
		return i.abs(lp.config), nil
	}
	if lp.runtime == "" {
		return "", errors.NotSupportedf("runtime %s unit files without a runtime directory", scope)
	}
	return i.abs(lp.runtime), nil
}

func (i *Installer) logChange(c Change) {
	i.logger.WithFields(logrus.Fields{
		"type":   c.Type.String(),
		"path":   c.Path,
		"source": c.Source,
	}).Debug("unit file change")
}
