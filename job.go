package unitmgr

import "fmt"

// JobType is the state transition a job requests
type JobType int

const (
	// JobStart starts the unit
	JobStart JobType = iota
	// JobVerifyActive checks the unit is active without starting it
	JobVerifyActive
	// JobStop stops the unit
	JobStop
	// JobReload reloads the unit configuration
	JobReload
	// JobRestart stops and starts the unit
	JobRestart
	// JobTryRestart restarts the unit only if it is running
	JobTryRestart
	// JobReloadOrRestart reloads if possible, restarts otherwise
	JobReloadOrRestart
	// JobReloadOrTryRestart reloads if possible, try-restarts otherwise
	JobReloadOrTryRestart
	// JobTryReload reloads the unit only if it is running
	JobTryReload
)

var jobTypeNames = [...]string{
	JobStart:              "start",
	JobVerifyActive:       "verify-active",
	JobStop:               "stop",
	JobReload:             "reload",
	JobRestart:            "restart",
	JobTryRestart:         "try-restart",
	JobReloadOrRestart:    "reload-or-restart",
	JobReloadOrTryRestart: "reload-or-try-restart",
	JobTryReload:          "try-reload",
}

// String returns the string representation of a JobType
func (t JobType) String() string {
	if t >= 0 && int(t) < len(jobTypeNames) {
		return jobTypeNames[t]
	}
	return "unknown"
}

// Action returns the access action a job of this type requires
func (t JobType) Action() Action {
	switch t {
	case JobStop:
		return ActionStop
	case JobReload, JobTryReload:
		return ActionReload
	default:
		return ActionStart
	}
}

// JobMode controls how a new job interacts with already queued jobs
type JobMode int

const (
	// JobModeReplace replaces conflicting queued jobs
	JobModeReplace JobMode = iota
	// JobModeFail fails if a conflicting job is queued
	JobModeFail
	// JobModeReplaceIrreversibly replaces and protects the new job from later replacement
	JobModeReplaceIrreversibly
	// JobModeIsolate stops everything not required by the new job
	JobModeIsolate
	// JobModeFlush cancels all queued jobs before enqueuing
	JobModeFlush
	// JobModeIgnoreDependencies skips dependency handling
	JobModeIgnoreDependencies
	// JobModeIgnoreRequirements skips requirement dependency handling
	JobModeIgnoreRequirements
)

var jobModeNames = [...]string{
	JobModeReplace:             "replace",
	JobModeFail:                "fail",
	JobModeReplaceIrreversibly: "replace-irreversibly",
	JobModeIsolate:             "isolate",
	JobModeFlush:               "flush",
	JobModeIgnoreDependencies:  "ignore-dependencies",
	JobModeIgnoreRequirements:  "ignore-requirements",
}

// String returns the string representation of a JobMode
func (m JobMode) String() string {
	if m >= 0 && int(m) < len(jobModeNames) {
		return jobModeNames[m]
	}
	return "unknown"
}

// ParseJobMode resolves a job mode string. Unknown strings are rejected.
func ParseJobMode(s string) (JobMode, error) {
	for i, n := range jobModeNames {
		if n == s {
			return JobMode(i), nil
		}
	}
	return JobModeReplace, fmt.Errorf("job mode %q is invalid", s)
}

// JobState is the execution state of a job
type JobState int

const (
	// JobWaiting is a queued job not yet dispatched
	JobWaiting JobState = iota
	// JobRunning is a dispatched job
	JobRunning
)

// String returns the string representation of a JobState
func (s JobState) String() string {
	if s == JobRunning {
		return "running"
	}
	return "waiting"
}

// JobResult is the outcome of a finished job
type JobResult int

const (
	// JobDone is a successful job
	JobDone JobResult = iota
	// JobCanceled is a job canceled before completion
	JobCanceled
	// JobTimeout is a job that ran out of time
	JobTimeout
	// JobFailed is a job whose unit failed
	JobFailed
	// JobDependency is a job whose dependency failed
	JobDependency
	// JobSkipped is a job that was not applicable
	JobSkipped
)

var jobResultNames = [...]string{
	JobDone:       "done",
	JobCanceled:   "canceled",
	JobTimeout:    "timeout",
	JobFailed:     "failed",
	JobDependency: "dependency",
	JobSkipped:    "skipped",
}

// String returns the string representation of a JobResult
func (r JobResult) String() string {
	if r >= 0 && int(r) < len(jobResultNames) {
		return jobResultNames[r]
	}
	return "unknown"
}

// ParseJobResult resolves a job result string
func ParseJobResult(s string) (JobResult, error) {
	for i, n := range jobResultNames {
		if n == s {
			return JobResult(i), nil
		}
	}
	return JobDone, fmt.Errorf("job result %q is invalid", s)
}

// Job is a queued state transition against exactly one unit
type Job struct {
	// ID is unique among outstanding jobs and never reused
	ID uint32
	// Unit is the owning unit
	Unit *Unit
	// Type is the requested transition
	Type JobType
	// Mode is the mode the job was enqueued with
	Mode JobMode
	// State is waiting or running
	State JobState
	// Result is set once the job finished
	Result JobResult
	// Irreversible jobs cannot be replaced by later jobs
	Irreversible bool
}
