package unitmgr

import (
	"fmt"
	"strings"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

// Object paths and interface names used for references and notifications
const (
	// ManagerPath is the object path of the manager singleton
	ManagerPath = dbus.ObjectPath("/org/freedesktop/systemd1")

	// ManagerInterface is the interface notifications are emitted on
	ManagerInterface = "org.freedesktop.systemd1.Manager"

	unitPathPrefix = "/org/freedesktop/systemd1/unit/"
	jobPathPrefix  = "/org/freedesktop/systemd1/job/"
)

// Limits and defaults
const (
	// UnitNameMax is the longest unit name accepted
	UnitNameMax = 256

	// SignalMax is the exclusive upper bound for KillUnit signals
	SignalMax = 65

	// OSReleaseFile marks a directory as an OS tree for SwitchRoot
	OSReleaseFile = "etc/os-release"

	// DefaultWatchDebounce is the default debounce time for unit-file watching
	DefaultWatchDebounce = 100 * time.Millisecond
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644
)

// UnitPath returns the object path referencing the unit with the given id
func UnitPath(id string) dbus.ObjectPath {
	return dbus.ObjectPath(unitPathPrefix + sddbus.PathBusEscape(id))
}

// JobPath returns the object path referencing the job with the given id
func JobPath(id uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s%d", jobPathPrefix, id))
}

// Mode is the manager's operating mode
type Mode int

const (
	// ModeSystem is the system-wide manager
	ModeSystem Mode = iota
	// ModeUser is a per-user manager
	ModeUser
)

// String returns the string representation of a Mode
func (m Mode) String() string {
	if m == ModeUser {
		return "user"
	}
	return "system"
}

// ParseMode parses "system" or "user"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "system", "":
		return ModeSystem, nil
	case "user":
		return ModeUser, nil
	default:
		return ModeSystem, fmt.Errorf("unknown manager mode %q", s)
	}
}

// LoadState describes how far a unit got in loading its configuration
type LoadState int

const (
	// LoadStub is a unit that has been referenced but not loaded yet
	LoadStub LoadState = iota
	// LoadLoaded is a successfully loaded unit
	LoadLoaded
	// LoadNotFound is a unit without configuration
	LoadNotFound
	// LoadError is a unit whose configuration failed to parse
	LoadError
	// LoadMerged is a unit merged into another one by alias
	LoadMerged
	// LoadMasked is a unit masked by the administrator
	LoadMasked
)

// LoadState string constants
const (
	loadStubStr     = "stub"
	loadLoadedStr   = "loaded"
	loadNotFoundStr = "not-found"
	loadErrorStr    = "error"
	loadMergedStr   = "merged"
	loadMaskedStr   = "masked"
)

// String returns the string representation of a LoadState
func (s LoadState) String() string {
	switch s {
	case LoadStub:
		return loadStubStr
	case LoadLoaded:
		return loadLoadedStr
	case LoadNotFound:
		return loadNotFoundStr
	case LoadError:
		return loadErrorStr
	case LoadMerged:
		return loadMergedStr
	case LoadMasked:
		return loadMaskedStr
	default:
		return "unknown"
	}
}

// Active states reported for units
const (
	ActiveStateActive       = "active"
	ActiveStateReloading    = "reloading"
	ActiveStateInactive     = "inactive"
	ActiveStateFailed       = "failed"
	ActiveStateActivating   = "activating"
	ActiveStateDeactivating = "deactivating"
)

// ValidUnitName reports whether name is a well-formed unit name of a
// known kind
func ValidUnitName(name string) bool {
	if name == "" || len(name) > UnitNameMax {
		return false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return false
	}
	if _, ok := KindFromSuffix(name[dot+1:]); !ok {
		return false
	}
	prefix := name[:dot]
	if at := strings.IndexByte(prefix, '@'); at >= 0 {
		if at == 0 || strings.IndexByte(prefix[at+1:], '@') >= 0 {
			return false
		}
	}
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ':', r == '-', r == '_', r == '.', r == '\\', r == '@':
		default:
			return false
		}
	}
	return true
}
