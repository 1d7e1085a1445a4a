package unitmgr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// envMax caps a single assignment
const envMax = 128 * 1024

func validEnvName(name string) bool {
	if name == "" || len(name) > envMax {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func validEnvValue(value string) bool {
	if !utf8.ValidString(value) {
		return false
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

// ValidEnvAssignment reports whether s is a well-formed NAME=VALUE
func ValidEnvAssignment(s string) bool {
	name, value, ok := strings.Cut(s, "=")
	if !ok || len(s) > envMax {
		return false
	}
	return validEnvName(name) && validEnvValue(value)
}

func validateAssignments(list []string) error {
	for _, s := range list {
		if !ValidEnvAssignment(s) {
			return fmt.Errorf("invalid environment assignment %q", s)
		}
	}
	return nil
}

func validateNamesOrAssignments(list []string) error {
	for _, s := range list {
		if !validEnvName(s) && !ValidEnvAssignment(s) {
			return fmt.Errorf("invalid environment variable name or assignment %q", s)
		}
	}
	return nil
}

func envKey(s string) string {
	name, _, _ := strings.Cut(s, "=")
	return name
}

// mergeEnvironment returns base with remove applied and then add.
// Names in remove drop the variable, assignments drop it only on an
// exact match. Later assignments of the same name win.
func mergeEnvironment(base, remove, add []string) []string {
	out := make([]string, 0, len(base)+len(add))
	for _, e := range base {
		drop := false
		for _, r := range remove {
			if r == e || (!strings.Contains(r, "=") && r == envKey(e)) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}

	for _, a := range add {
		k := envKey(a)
		replaced := false
		for i, e := range out {
			if envKey(e) == k {
				out[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, a)
		}
	}
	return out
}

// SetEnvironment adds or replaces manager environment assignments
func (m *Manager) SetEnvironment(c Caller, assignments []string) error {
	return m.updateEnvironment(c, "SetEnvironment", nil, assignments)
}

// UnsetEnvironment removes manager environment variables by name or
// exact assignment
func (m *Manager) UnsetEnvironment(c Caller, names []string) error {
	return m.updateEnvironment(c, "UnsetEnvironment", names, nil)
}

// UnsetAndSetEnvironment applies removals and additions as one update
func (m *Manager) UnsetAndSetEnvironment(c Caller, names, assignments []string) error {
	return m.updateEnvironment(c, "UnsetAndSetEnvironment", names, assignments)
}

func (m *Manager) updateEnvironment(c Caller, op string, remove, add []string) error {
	if err := validateNamesOrAssignments(remove); err != nil {
		return newError(ErrInvalidArgument, op, "", "%v", err)
	}
	if err := validateAssignments(add); err != nil {
		return newError(ErrInvalidArgument, op, "", "%v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	m.env = mergeEnvironment(m.env, remove, add)
	m.logger.WithFields(logrus.Fields{
		"caller": c.String(),
		"unset":  len(remove),
		"set":    len(add),
	}).Debug("environment updated")
	return nil
}

// Environment returns a copy of the manager environment
func (m *Manager) Environment() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.env...)
}
