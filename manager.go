package unitmgr

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr/install"
)

// Manager is the control-plane façade. It owns the subscriber set, the
// lifecycle state machine and the environment, and serializes every
// request against the Registry, JobQueue and Installer it was built with.
type Manager struct {
	mu sync.Mutex

	mode      Mode
	registry  Registry
	jobs      JobQueue
	installer Installer
	access    AccessChecker
	logger    *logrus.Logger
	clock     clock.Clock
	watchdog  Watchdog
	metrics   *metrics

	subs    *subscriptions
	private []Bus
	api     Bus

	life lifecycle
	env  []string

	confirmSpawn     bool
	showStatus       bool
	unitPath         []string
	defaultStdout    string
	defaultStderr    string
	runtimeWatchdog  time.Duration
	shutdownWatchdog time.Duration
	logTarget        string
	logOutput        io.Writer

	invocationID uuid.UUID
	bootTime     time.Time
	timestamps   map[Phase]DualTimestamp
	root         string

	watchUnitFiles bool
	watchDebounce  time.Duration
	watcher        *unitFileWatcher
}

// Option configures a Manager
type Option func(*Manager)

// WithMode sets the operating mode
func WithMode(mode Mode) Option {
	return func(m *Manager) {
		m.mode = mode
	}
}

// WithAccessChecker sets the access gate
func WithAccessChecker(a AccessChecker) Option {
	return func(m *Manager) {
		m.access = a
	}
}

// WithInstaller sets the unit-file install mechanism
func WithInstaller(i Installer) Option {
	return func(m *Manager) {
		m.installer = i
	}
}

// WithLogger sets the logger
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock sets the clock used for phase timestamps
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithBootTime sets the origin of monotonic timestamps
func WithBootTime(t time.Time) Option {
	return func(m *Manager) {
		m.bootTime = t
	}
}

// WithWatchdog sets the runtime watchdog reprogrammed by SetRuntimeWatchdog
func WithWatchdog(w Watchdog) Option {
	return func(m *Manager) {
		m.watchdog = w
	}
}

// WithAPIBus sets the shared public channel
func WithAPIBus(b Bus) Option {
	return func(m *Manager) {
		m.api = b
	}
}

// WithEnvironment sets the initial environment. Invalid assignments make New fail.
func WithEnvironment(env []string) Option {
	return func(m *Manager) {
		m.env = append([]string(nil), env...)
	}
}

// WithConfirmSpawn sets the confirm-spawn flag
func WithConfirmSpawn(b bool) Option {
	return func(m *Manager) {
		m.confirmSpawn = b
	}
}

// WithShowStatus sets the show-status flag
func WithShowStatus(b bool) Option {
	return func(m *Manager) {
		m.showStatus = b
	}
}

// WithDefaultStandardOutput sets the default stdout target of spawned units
func WithDefaultStandardOutput(s string) Option {
	return func(m *Manager) {
		m.defaultStdout = s
	}
}

// WithDefaultStandardError sets the default stderr target of spawned units
func WithDefaultStandardError(s string) Option {
	return func(m *Manager) {
		m.defaultStderr = s
	}
}

// WithShutdownWatchdog sets the shutdown watchdog duration
func WithShutdownWatchdog(d time.Duration) Option {
	return func(m *Manager) {
		m.shutdownWatchdog = d
	}
}

// WithRuntimeWatchdog sets the initial runtime watchdog duration
func WithRuntimeWatchdog(d time.Duration) Option {
	return func(m *Manager) {
		m.runtimeWatchdog = d
	}
}

// WithLogTarget sets the initial log target
func WithLogTarget(t string) Option {
	return func(m *Manager) {
		m.logTarget = t
	}
}

// WithRoot sets the root directory host detection (tainted flags,
// virtualization) is performed against
func WithRoot(dir string) Option {
	return func(m *Manager) {
		m.root = dir
	}
}

// WithUnitFileWatch enables broadcasting UnitFilesChanged when unit
// directories change outside of the API
func WithUnitFileWatch(debounce time.Duration) Option {
	return func(m *Manager) {
		m.watchUnitFiles = true
		m.watchDebounce = debounce
	}
}

// New creates a Manager over the given Registry and JobQueue
func New(registry Registry, jobs JobQueue, opts ...Option) (*Manager, error) {
	m := &Manager{
		registry:      registry,
		jobs:          jobs,
		access:        DefaultPolicy(),
		metrics:       newMetrics(),
		subs:          newSubscriptions(),
		defaultStdout: "journal",
		defaultStderr: "inherit",
		logTarget:     "console",
		watchDebounce: DefaultWatchDebounce,
		timestamps:    make(map[Phase]DualTimestamp),
		invocationID:  uuid.New(),
		root:          "/",
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logrus.New()
		m.logger.SetOutput(os.Stderr)
	}
	m.logOutput = m.logger.Out
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.bootTime.IsZero() {
		m.bootTime = m.clock.Now()
	}
	if m.installer == nil {
		m.installer = install.New(install.WithLogger(m.logger))
	}

	if err := validateAssignments(m.env); err != nil {
		return nil, newError(ErrInvalidArgument, "New", "", "invalid environment: %v", err)
	}
	m.env = mergeEnvironment(nil, nil, m.env)

	if err := m.applyLogTarget(m.logTarget); err != nil {
		return nil, err
	}
	m.unitPath = m.installer.Dirs(m.scope())

	n := &notifier{m: m}
	if s, ok := registry.(NotifierSetter); ok {
		s.SetNotifier(n)
	}
	if s, ok := jobs.(NotifierSetter); ok {
		s.SetNotifier(n)
	}

	if m.watchdog != nil && m.runtimeWatchdog > 0 {
		d, err := m.watchdog.SetTimeout(m.runtimeWatchdog)
		if err != nil {
			return nil, upstream("New", "", err)
		}
		m.runtimeWatchdog = d
	}

	if m.watchUnitFiles {
		w, err := newUnitFileWatcher(m, m.unitPath, m.watchDebounce)
		if err != nil {
			return nil, upstream("New", "", err)
		}
		m.watcher = w
	}

	m.logger.WithFields(logrus.Fields{
		"mode":       m.mode.String(),
		"invocation": m.invocationID.String(),
	}).Debug("manager initialized")

	return m, nil
}

// Close stops background goroutines started by the Manager
func (m *Manager) Close() error {
	var err error
	if m.watcher != nil {
		err = m.watcher.stop()
		m.watcher = nil
	}
	if m.watchdog != nil {
		if c, ok := m.watchdog.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

// Mode returns the operating mode
func (m *Manager) Mode() Mode {
	return m.mode
}

// InvocationID returns the id generated for this manager instance
func (m *Manager) InvocationID() uuid.UUID {
	return m.invocationID
}

// AttachBus registers a private transport channel for fan-out
func (m *Manager) AttachBus(b Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.private {
		if p.ID() == b.ID() {
			return
		}
	}
	m.private = append(m.private, b)
}

// DetachBus forgets a private transport channel. Subscribers reachable
// only through it are dropped, which counts as an implicit unsubscribe.
func (m *Manager) DetachBus(b Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.private {
		if p.ID() == b.ID() {
			m.private = append(m.private[:i], m.private[i+1:]...)
			break
		}
	}
	if n := m.subs.dropBus(b); n > 0 {
		m.logger.WithFields(logrus.Fields{"bus": b.ID(), "subscribers": n}).Debug("dropped subscribers of detached bus")
	}
}

func (m *Manager) scope() install.Scope {
	if m.mode == ModeUser {
		return install.ScopeUser
	}
	return install.ScopeSystem
}

// check runs the access gate. Denials have no side effect besides logging.
func (m *Manager) check(c Caller, a Action, op string) error {
	if err := m.access.Check(c, a); err != nil {
		m.metrics.denied.WithLabelValues(a.String()).Inc()
		m.logger.WithFields(logrus.Fields{
			"caller": c.String(),
			"action": a.String(),
			"op":     op,
		}).Warn("access denied")
		return &Error{Kind: ErrAccessDenied, Op: op, Msg: "access denied", Err: err}
	}
	return nil
}
