// Package unitmgr provides the control plane of a systemd-style service
// manager: the request surface clients call, the notifications they
// subscribe to, and the bookkeeping that ties both to units and jobs.
//
// The Manager type serves every request. Unit storage and job execution
// are collaborators behind the Registry and JobQueue interfaces; the
// memstore package provides in-memory implementations:
//
//	registry := memstore.NewRegistry(memstore.WithLoader(memstore.DirLoader{Dirs: dirs}))
//	m, err := unitmgr.New(registry, memstore.NewJobs(registry))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Queue a start job on behalf of a caller
//	job, err := m.StartUnit(caller, "web.service", "replace")
//
// # Requests
//
// Every request carries a Caller. The AccessChecker decides whether the
// caller may perform the request's Action before anything is looked up,
// created or changed, so a denied request has no side effects. Requests
// are serialized: at most one runs at a time, and job completions
// reported through FinishJob take the same lock.
//
// # Notifications
//
// Callers on a Bus may Subscribe. UnitNew, UnitRemoved, JobNew,
// JobRemoved, StartupFinished, UnitFilesChanged and Reloading are sent
// to nobody when there are no subscribers, directly to the subscriber
// when there is exactly one, and otherwise broadcast once per private
// bus and once on the API bus. A delivery failure on one channel does
// not stop delivery on the others.
//
// # Unit files
//
// Unit-file requests (enable, disable, mask, link, preset and the
// default target) are carried out by the install package. A request
// that changed the file system emits exactly one UnitFilesChanged; one
// that changed nothing or failed emits none. With WithUnitFileWatch,
// changes made by other processes are reported as well.
//
// # Lifecycle
//
// Reload, Reexecute, Exit, Reboot, PowerOff, Halt, KExec and SwitchRoot
// latch an ExitCode for the main loop to act on. The main loop reads it
// with ExitCode. Reload replies are deferred until CompleteReload.
package unitmgr
