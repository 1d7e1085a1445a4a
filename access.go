package unitmgr

import (
	"fmt"
	"strconv"
)

// Action is a privileged action checked by the access gate
type Action int

const (
	// ActionStatus reveals unit, job or manager state
	ActionStatus Action = iota
	// ActionStart starts units or creates them
	ActionStart
	// ActionStop stops units or cancels jobs
	ActionStop
	// ActionReload reloads units or the manager
	ActionReload
	// ActionEnable installs unit files
	ActionEnable
	// ActionDisable uninstalls or masks unit files
	ActionDisable
	// ActionHalt halts, powers off or exits the manager
	ActionHalt
	// ActionReboot reboots, kexecs or switches root
	ActionReboot
)

// Action string constants
const (
	actionStatusStr  = "status"
	actionStartStr   = "start"
	actionStopStr    = "stop"
	actionReloadStr  = "reload"
	actionEnableStr  = "enable"
	actionDisableStr = "disable"
	actionHaltStr    = "halt"
	actionRebootStr  = "reboot"
)

// String returns the string representation of an Action
func (a Action) String() string {
	switch a {
	case ActionStatus:
		return actionStatusStr
	case ActionStart:
		return actionStartStr
	case ActionStop:
		return actionStopStr
	case ActionReload:
		return actionReloadStr
	case ActionEnable:
		return actionEnableStr
	case ActionDisable:
		return actionDisableStr
	case ActionHalt:
		return actionHaltStr
	case ActionReboot:
		return actionRebootStr
	default:
		return "unknown"
	}
}

// ParseAction resolves an action name
func ParseAction(s string) (Action, error) {
	for a := ActionStatus; a <= ActionReboot; a++ {
		if a.String() == s {
			return a, nil
		}
	}
	return ActionStatus, fmt.Errorf("unknown action %q", s)
}

// Caller identifies the origin of a request
type Caller struct {
	// Sender is the caller's endpoint name on its bus
	Sender string
	// Bus is the transport channel the request arrived on
	Bus Bus
	// UID is the caller's user id
	UID uint32
	// PID is the caller's process id, 0 if unknown
	PID int
}

// String returns a compact identification for logs
func (c Caller) String() string {
	if c.Sender != "" {
		return c.Sender + "/uid=" + strconv.FormatUint(uint64(c.UID), 10)
	}
	return "uid=" + strconv.FormatUint(uint64(c.UID), 10)
}

// AccessChecker decides whether a caller may perform an action.
// Check returns nil to allow or an error describing the denial.
// Implementations must be side-effect free.
type AccessChecker interface {
	Check(c Caller, a Action) error
}

// AccessFunc adapts a function to AccessChecker
type AccessFunc func(c Caller, a Action) error

// Check calls f(c, a)
func (f AccessFunc) Check(c Caller, a Action) error {
	return f(c, a)
}

// AllowAll permits every action
var AllowAll AccessChecker = AccessFunc(func(Caller, Action) error { return nil })

// Policy grants root every action and other users the actions listed
// for their uid, falling back to Default.
type Policy struct {
	// Default lists the actions every caller may perform
	Default []Action
	// Users lists additional actions per uid
	Users map[uint32][]Action
}

// DefaultPolicy lets everybody read state and only root change it
func DefaultPolicy() *Policy {
	return &Policy{Default: []Action{ActionStatus}}
}

// Check implements AccessChecker
func (p *Policy) Check(c Caller, a Action) error {
	if c.UID == 0 {
		return nil
	}
	for _, allowed := range p.Default {
		if allowed == a {
			return nil
		}
	}
	for _, allowed := range p.Users[c.UID] {
		if allowed == a {
			return nil
		}
	}
	return fmt.Errorf("uid %d may not %s", c.UID, a)
}
