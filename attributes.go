package unitmgr

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/juju/collections/set"
	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr/internal/unix"
)

// Phase names a boot or manager phase with a recorded timestamp
type Phase int

const (
	PhaseFirmware Phase = iota
	PhaseLoader
	PhaseKernel
	PhaseInitRD
	PhaseUserspace
	PhaseFinish
	PhaseSecurityStart
	PhaseSecurityFinish
	PhaseGeneratorsStart
	PhaseGeneratorsFinish
	PhaseUnitsLoadStart
	PhaseUnitsLoadFinish
)

var phaseNames = [...]string{
	PhaseFirmware:         "Firmware",
	PhaseLoader:           "Loader",
	PhaseKernel:           "Kernel",
	PhaseInitRD:           "InitRD",
	PhaseUserspace:        "Userspace",
	PhaseFinish:           "Finish",
	PhaseSecurityStart:    "SecurityStart",
	PhaseSecurityFinish:   "SecurityFinish",
	PhaseGeneratorsStart:  "GeneratorsStart",
	PhaseGeneratorsFinish: "GeneratorsFinish",
	PhaseUnitsLoadStart:   "UnitsLoadStart",
	PhaseUnitsLoadFinish:  "UnitsLoadFinish",
}

// String returns the attribute prefix of a Phase
func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Unknown"
}

// DualTimestamp is a point in time on both the wall and the boot clock.
// For the firmware and loader phases Monotonic counts backwards from
// kernel start.
type DualTimestamp struct {
	Realtime  time.Time
	Monotonic time.Duration
}

// IsSet reports whether the timestamp was recorded
func (t DualTimestamp) IsSet() bool {
	return !t.Realtime.IsZero() || t.Monotonic != 0
}

// Log targets
const (
	LogTargetConsole       = "console"
	LogTargetJournal       = "journal"
	LogTargetKmsg          = "kmsg"
	LogTargetJournalOrKmsg = "journal-or-kmsg"
	LogTargetSyslog        = "syslog"
	LogTargetSyslogOrKmsg  = "syslog-or-kmsg"
	LogTargetAuto          = "auto"
	LogTargetSafe          = "safe"
	LogTargetNull          = "null"
)

var logTargets = set.NewStrings(
	LogTargetConsole, LogTargetJournal, LogTargetKmsg, LogTargetJournalOrKmsg,
	LogTargetSyslog, LogTargetSyslogOrKmsg, LogTargetAuto, LogTargetSafe, LogTargetNull,
)

// syslog-style level names mapped onto logrus
var syslogLevels = map[string]logrus.Level{
	"emerg":   logrus.PanicLevel,
	"alert":   logrus.PanicLevel,
	"crit":    logrus.FatalLevel,
	"err":     logrus.ErrorLevel,
	"warning": logrus.WarnLevel,
	"notice":  logrus.InfoLevel,
	"info":    logrus.InfoLevel,
	"debug":   logrus.DebugLevel,
}

// ParseLogLevel accepts syslog level names and logrus level names
func ParseLogLevel(s string) (logrus.Level, error) {
	if l, ok := syslogLevels[s]; ok {
		return l, nil
	}
	return logrus.ParseLevel(s)
}

// Tainted flags
const (
	TaintSplitUsr       = "split-usr"
	TaintMtabNotSymlink = "mtab-not-symlink"
	TaintCgroupsMissing = "cgroups-missing"
	TaintLocalHwclock   = "local-hwclock"
)

var taintOrder = []string{TaintSplitUsr, TaintMtabNotSymlink, TaintCgroupsMissing, TaintLocalHwclock}

// MarkPhase records the current time for p
func (m *Manager) MarkPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.timestamps[p] = DualTimestamp{Realtime: now, Monotonic: now.Sub(m.bootTime)}
}

// SetPhase records an externally measured timestamp for p
func (m *Manager) SetPhase(p Phase, ts DualTimestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestamps[p] = ts
}

// Timestamp returns the timestamp recorded for p
func (m *Manager) Timestamp(p Phase) DualTimestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timestamps[p]
}

// StartupTimes are the durations reported by StartupFinished
type StartupTimes struct {
	Firmware  time.Duration
	Loader    time.Duration
	Kernel    time.Duration
	InitRD    time.Duration
	Userspace time.Duration
	Total     time.Duration
}

// FinishStartup records the finish timestamp and tells subscribers how
// long startup took. Later calls do nothing.
func (m *Manager) FinishStartup() (StartupTimes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timestamps[PhaseFinish].IsSet() {
		return m.startupTimesLocked(), nil
	}
	now := m.clock.Now()
	m.timestamps[PhaseFinish] = DualTimestamp{Realtime: now, Monotonic: now.Sub(m.bootTime)}

	st := m.startupTimesLocked()
	m.logger.WithFields(logrus.Fields{
		"kernel":    st.Kernel,
		"initrd":    st.InitRD,
		"userspace": st.Userspace,
		"total":     st.Total,
	}).Info("startup finished")

	if r, ok := m.watchdog.(interface{ Ready() error }); ok {
		if err := r.Ready(); err != nil {
			m.logger.WithError(err).Warn("ready notification failed")
		}
	}

	err := m.broadcast(newSignal(SignalStartupFinished,
		usec(st.Firmware), usec(st.Loader), usec(st.Kernel),
		usec(st.InitRD), usec(st.Userspace), usec(st.Total)))
	return st, err
}

func usec(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

func (m *Manager) startupTimesLocked() StartupTimes {
	ts := m.timestamps
	var st StartupTimes
	finish := ts[PhaseFinish].Monotonic
	userspace := ts[PhaseUserspace].Monotonic

	if m.mode == ModeUser {
		st.Userspace = finish - userspace
		st.Total = st.Userspace
		return st
	}

	st.Firmware = ts[PhaseFirmware].Monotonic - ts[PhaseLoader].Monotonic
	st.Loader = ts[PhaseLoader].Monotonic
	if ts[PhaseInitRD].IsSet() {
		st.Kernel = ts[PhaseInitRD].Monotonic
		st.InitRD = userspace - ts[PhaseInitRD].Monotonic
	} else {
		st.Kernel = userspace
	}
	st.Userspace = finish - userspace
	st.Total = ts[PhaseFirmware].Monotonic + finish
	return st
}

// Features returns the compile-time feature string
func (m *Manager) Features() string {
	return Features
}

// Virtualization returns the detected virtualization technology, or ""
func (m *Manager) Virtualization() string {
	if s := readFirstLine(filepath.Join(m.root, "run/systemd/container")); s != "" {
		return s
	}
	if _, err := os.Stat(filepath.Join(m.root, ".dockerenv")); err == nil {
		return "docker"
	}
	if _, err := os.Stat(filepath.Join(m.root, "run/.containerenv")); err == nil {
		return "podman"
	}

	vendor := readFirstLine(filepath.Join(m.root, "sys/class/dmi/id/sys_vendor"))
	for _, v := range []struct{ match, id string }{
		{"QEMU", "qemu"},
		{"KVM", "kvm"},
		{"VMware", "vmware"},
		{"Microsoft", "microsoft"},
		{"innotek", "oracle"},
		{"Xen", "xen"},
		{"Amazon EC2", "amazon"},
	} {
		if strings.Contains(vendor, v.match) {
			return v.id
		}
	}
	return ""
}

// Tainted returns the colon-joined list of detected taint conditions
func (m *Manager) Tainted() string {
	flags := set.NewStrings()

	if fi, err := os.Lstat(filepath.Join(m.root, "bin")); err == nil && fi.IsDir() {
		if _, err := os.Stat(filepath.Join(m.root, "usr/bin")); err == nil {
			flags.Add(TaintSplitUsr)
		}
	}
	if !unix.IsSymlink(filepath.Join(m.root, "etc/mtab")) {
		flags.Add(TaintMtabNotSymlink)
	}
	if _, err := os.Stat(filepath.Join(m.root, "proc/cgroups")); err != nil {
		flags.Add(TaintCgroupsMissing)
	}
	if localHwclock(filepath.Join(m.root, "etc/adjtime")) {
		flags.Add(TaintLocalHwclock)
	}

	out := make([]string, 0, flags.Size())
	for _, f := range taintOrder {
		if flags.Contains(f) {
			out = append(out, f)
		}
	}
	return strings.Join(out, ":")
}

// localHwclock reports whether the adjtime file declares a hardware
// clock in local time (third line "LOCAL")
func localHwclock(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for line := 1; s.Scan(); line++ {
		if line == 3 {
			return strings.TrimSpace(s.Text()) == "LOCAL"
		}
	}
	return false
}

func readFirstLine(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(line)
}

// LogLevel returns the current log level
func (m *Manager) LogLevel() string {
	return m.logger.GetLevel().String()
}

// SetLogLevel changes the log level
func (m *Manager) SetLogLevel(c Caller, level string) error {
	const op = "SetLogLevel"
	l, err := ParseLogLevel(level)
	if err != nil {
		return newError(ErrInvalidArgument, op, level, "invalid log level")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	m.logger.SetLevel(l)
	return nil
}

// LogTarget returns the current log target
func (m *Manager) LogTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logTarget
}

// SetLogTarget changes the log target. The null target discards output.
func (m *Manager) SetLogTarget(c Caller, target string) error {
	const op = "SetLogTarget"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	return m.applyLogTarget(target)
}

func (m *Manager) applyLogTarget(target string) error {
	if !logTargets.Contains(target) {
		return newError(ErrInvalidArgument, "SetLogTarget", target, "invalid log target")
	}
	m.logTarget = target
	if target == LogTargetNull {
		m.logger.SetOutput(io.Discard)
	} else {
		m.logger.SetOutput(m.logOutput)
	}
	return nil
}

// NNames returns the number of unit names, aliases included
func (m *Manager) NNames() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.registry.NNames())
}

// NJobs returns the number of outstanding jobs
func (m *Manager) NJobs() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.jobs.Jobs()))
}

// NInstalledJobs returns the number of jobs ever installed
func (m *Manager) NInstalledJobs() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs.Stats().Installed
}

// NFailedJobs returns the number of jobs that did not finish successfully
func (m *Manager) NFailedJobs() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs.Stats().Failed
}

// Progress returns 1 once startup finished, otherwise the share of
// installed jobs no longer pending. It is 0 before any job was installed.
func (m *Manager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *Manager) progressLocked() float64 {
	if m.timestamps[PhaseFinish].IsSet() {
		return 1.0
	}
	installed := m.jobs.Stats().Installed
	if installed == 0 {
		return 0
	}
	return 1.0 - float64(len(m.jobs.Jobs()))/float64(installed)
}

// ConfirmSpawn reports whether spawning asks for confirmation
func (m *Manager) ConfirmSpawn() bool {
	return m.confirmSpawn
}

// ShowStatus reports whether status messages go to the console
func (m *Manager) ShowStatus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.showStatus
}

// UnitPath returns the unit search path
func (m *Manager) UnitPath() []string {
	return append([]string(nil), m.unitPath...)
}

// DefaultStandardOutput returns the default stdout target of spawned units
func (m *Manager) DefaultStandardOutput() string {
	return m.defaultStdout
}

// DefaultStandardError returns the default stderr target of spawned units
func (m *Manager) DefaultStandardError() string {
	return m.defaultStderr
}

// RuntimeWatchdog returns the effective runtime watchdog timeout
func (m *Manager) RuntimeWatchdog() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimeWatchdog
}

// SetRuntimeWatchdog validates d and reprograms the watchdog
func (m *Manager) SetRuntimeWatchdog(c Caller, d time.Duration) error {
	const op = "SetRuntimeWatchdog"
	if d < 0 {
		return newError(ErrInvalidArgument, op, "", "negative watchdog timeout %v", d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	if m.watchdog == nil {
		m.runtimeWatchdog = d
		return nil
	}
	eff, err := m.watchdog.SetTimeout(d)
	if err != nil {
		return upstream(op, "", err)
	}
	m.runtimeWatchdog = eff
	return nil
}

// ShutdownWatchdog returns the shutdown watchdog timeout
func (m *Manager) ShutdownWatchdog() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownWatchdog
}

// SetShutdownWatchdog validates and stores the shutdown watchdog timeout
func (m *Manager) SetShutdownWatchdog(c Caller, d time.Duration) error {
	const op = "SetShutdownWatchdog"
	if d < 0 {
		return newError(ErrInvalidArgument, op, "", "negative watchdog timeout %v", d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(c, ActionReload, op); err != nil {
		return err
	}
	m.shutdownWatchdog = d
	return nil
}

// Properties returns every manager attribute keyed by its property name
func (m *Manager) Properties() map[string]dbus.Variant {
	virt := m.Virtualization()
	tainted := m.Tainted()

	m.mu.Lock()
	defer m.mu.Unlock()

	props := map[string]dbus.Variant{
		"Version":               dbus.MakeVariant(Version),
		"Features":              dbus.MakeVariant(Features),
		"Virtualization":        dbus.MakeVariant(virt),
		"Tainted":               dbus.MakeVariant(tainted),
		"LogLevel":              dbus.MakeVariant(m.logger.GetLevel().String()),
		"LogTarget":             dbus.MakeVariant(m.logTarget),
		"NNames":                dbus.MakeVariant(uint32(m.registry.NNames())),
		"NJobs":                 dbus.MakeVariant(uint32(len(m.jobs.Jobs()))),
		"NInstalledJobs":        dbus.MakeVariant(m.jobs.Stats().Installed),
		"NFailedJobs":           dbus.MakeVariant(m.jobs.Stats().Failed),
		"Progress":              dbus.MakeVariant(m.progressLocked()),
		"Environment":           dbus.MakeVariant(append([]string(nil), m.env...)),
		"ConfirmSpawn":          dbus.MakeVariant(m.confirmSpawn),
		"ShowStatus":            dbus.MakeVariant(m.showStatus),
		"UnitPath":              dbus.MakeVariant(append([]string(nil), m.unitPath...)),
		"DefaultStandardOutput": dbus.MakeVariant(m.defaultStdout),
		"DefaultStandardError":  dbus.MakeVariant(m.defaultStderr),
		"RuntimeWatchdogUSec":   dbus.MakeVariant(usec(m.runtimeWatchdog)),
		"ShutdownWatchdogUSec":  dbus.MakeVariant(usec(m.shutdownWatchdog)),
	}
	for p := PhaseFirmware; p <= PhaseUnitsLoadFinish; p++ {
		ts := m.timestamps[p]
		var rt uint64
		if !ts.Realtime.IsZero() {
			rt = uint64(ts.Realtime.UnixMicro())
		}
		props[p.String()+"Timestamp"] = dbus.MakeVariant(rt)
		props[p.String()+"TimestampMonotonic"] = dbus.MakeVariant(usec(ts.Monotonic))
	}
	return props
}
