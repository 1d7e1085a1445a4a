// Package memstore provides in-memory implementations of the unit
// registry and job queue consumed by unitmgr.Manager.
package memstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/google/renameio/v2"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/axondata/go-unitmgr"
)

// Sub-states used by the registry
const (
	subDead    = "dead"
	subRunning = "running"
	subFailed  = "failed"
	subActive  = "active"
)

// KillFunc delivers signal to pid
type KillFunc func(pid, signal int) error

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLoader sets the configuration source. Without a loader every
// non-transient unit loads as not-found.
func WithLoader(l Loader) RegistryOption {
	return func(r *Registry) {
		r.loader = l
	}
}

// WithDropInDirs sets where persistent and runtime property drop-ins of
// non-transient units are written. Empty disables writing for that tier.
func WithDropInDirs(persistent, runtime string) RegistryOption {
	return func(r *Registry) {
		r.persistentDir = persistent
		r.runtimeDir = runtime
	}
}

// WithKillFunc replaces the signal delivery used by Kill
func WithKillFunc(f KillFunc) RegistryOption {
	return func(r *Registry) {
		r.kill = f
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(l *logrus.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// Registry is an in-memory unitmgr.Registry. It is not safe for
// concurrent use; the Manager serializes every call.
type Registry struct {
	loader        Loader
	persistentDir string
	runtimeDir    string
	kill          KillFunc
	logger        *logrus.Logger
	notifier      unitmgr.Notifier

	// units maps every name, aliases included, to its unit
	units map[string]*unitmgr.Unit
	// refs holds referencing unit names per referenced name, including
	// names not loaded yet
	refs      map[string]set.Strings
	loadQueue []*unitmgr.Unit
	snapshots map[string]bool
	snapSeq   int
}

var _ unitmgr.Registry = (*Registry)(nil)
var _ unitmgr.NotifierSetter = (*Registry)(nil)

// NewRegistry creates an empty Registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		units:     make(map[string]*unitmgr.Unit),
		refs:      make(map[string]set.Strings),
		snapshots: make(map[string]bool),
		kill: func(pid, signal int) error {
			return unix.Kill(pid, unix.Signal(signal))
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
		r.logger.SetOutput(io.Discard)
	}
	return r
}

// SetNotifier implements unitmgr.NotifierSetter
func (r *Registry) SetNotifier(n unitmgr.Notifier) {
	r.notifier = n
}

func (r *Registry) unitNew(u *unitmgr.Unit) {
	if r.notifier != nil {
		r.notifier.UnitNew(u)
	}
}

func (r *Registry) unitRemoved(u *unitmgr.Unit) {
	if r.notifier != nil {
		r.notifier.UnitRemoved(u)
	}
}

// Get implements unitmgr.Registry
func (r *Registry) Get(name string) *unitmgr.Unit {
	return r.units[name]
}

// GetByPID implements unitmgr.Registry
func (r *Registry) GetByPID(pid int) *unitmgr.Unit {
	for _, u := range r.Units() {
		for _, p := range u.PIDs {
			if p == pid {
				return u
			}
		}
	}
	return nil
}

// Load implements unitmgr.Registry
func (r *Registry) Load(name string) (*unitmgr.Unit, error) {
	if u, ok := r.units[name]; ok {
		return u, nil
	}
	if !unitmgr.ValidUnitName(name) {
		return nil, errors.NotValidf("unit name %q", name)
	}

	var cfg *Config
	if r.loader != nil {
		c, err := r.loader.Load(name)
		switch {
		case err == nil:
			cfg = c
		case errors.Is(err, errors.NotFound):
		case errors.Is(err, errors.NotValid):
			u := r.newUnit(name)
			u.LoadState = unitmgr.LoadError
			r.logger.WithError(err).WithField("unit", name).Warn("failed to load unit")
			r.add(u)
			return u, nil
		default:
			return nil, errors.Trace(err)
		}
	}

	if cfg != nil && cfg.ID != name {
		// alias: load the canonical unit and attach the name
		u, err := r.Load(cfg.ID)
		if err != nil {
			return nil, err
		}
		u.Names = append(u.Names, name)
		r.units[name] = u
		return u, nil
	}

	u := r.newUnit(name)
	r.apply(u, cfg)
	r.add(u)
	return u, nil
}

func (r *Registry) newUnit(name string) *unitmgr.Unit {
	kind, _ := unitmgr.KindFromName(name)
	u := &unitmgr.Unit{
		ID:           name,
		Names:        []string{name},
		Kind:         kind,
		LoadState:    unitmgr.LoadStub,
		ActiveState:  unitmgr.ActiveStateInactive,
		SubState:     subDead,
		ReferencedBy: set.NewStrings(),
	}
	if refs, ok := r.refs[name]; ok {
		u.ReferencedBy = refs.Union(set.NewStrings())
	}
	return u
}

// apply moves a stub to its loaded state from cfg, or to not-found
func (r *Registry) apply(u *unitmgr.Unit, cfg *Config) {
	switch {
	case cfg == nil:
		u.LoadState = unitmgr.LoadNotFound
	case cfg.Masked:
		u.LoadState = unitmgr.LoadMasked
		u.FragmentPath = cfg.Path
	default:
		u.LoadState = unitmgr.LoadLoaded
		u.FragmentPath = cfg.Path
		u.Options = cfg.Options
		r.refresh(u)
	}
}

// refresh derives unit fields from its options
func (r *Registry) refresh(u *unitmgr.Unit) {
	if d := option(u.Options, "Unit", "Description"); d != "" {
		u.Description = d
	}
	caps := u.Kind.Capabilities()
	u.CanReload = caps.CanReload
	if u.Kind == unitmgr.KindService {
		u.CanReload = len(optionList(u.Options, "Service", "ExecReload")) > 0
	}

	for _, key := range []string{"Wants", "Requires", "BindsTo", "Requisite", "PartOf"} {
		for _, dep := range optionList(u.Options, "Unit", key) {
			refs, ok := r.refs[dep]
			if !ok {
				refs = set.NewStrings()
				r.refs[dep] = refs
			}
			refs.Add(u.ID)
			if d, ok := r.units[dep]; ok {
				d.ReferencedBy.Add(u.ID)
			}
		}
	}
}

func (r *Registry) add(u *unitmgr.Unit) {
	for _, n := range u.Names {
		r.units[n] = u
	}
	r.logger.WithFields(logrus.Fields{
		"unit":  u.ID,
		"state": u.LoadState,
	}).Debug("unit added")
	r.unitNew(u)
}

// MakeTransient implements unitmgr.Registry
func (r *Registry) MakeTransient(u *unitmgr.Unit) error {
	if u.LoadState != unitmgr.LoadNotFound && u.LoadState != unitmgr.LoadStub {
		return errors.AlreadyExistsf("unit %s", u.ID)
	}
	if u.Referenced() {
		return errors.AlreadyExistsf("referenced unit %s", u.ID)
	}
	u.Transient = true
	u.LoadState = unitmgr.LoadStub
	u.FragmentPath = ""
	u.Options = nil
	r.loadQueue = append(r.loadQueue, u)
	return nil
}

// SetProperties implements unitmgr.Registry. Assignments are applied in
// order; the first failing one stops processing.
func (r *Registry) SetProperties(u *unitmgr.Unit, props []sddbus.Property, mode unitmgr.PropertyMode) error {
	section := kindSection(u.Kind)
	var written []*sdunit.UnitOption
	for _, p := range props {
		opts, pids, err := propertyOptions(section, p)
		if err != nil {
			r.refresh(u)
			return err
		}
		if p.Name == "PIDs" {
			if u.Kind != unitmgr.KindScope {
				r.refresh(u)
				return errors.NotValidf("PIDs on %s", u.Kind)
			}
			u.PIDs = append(u.PIDs, pids...)
			continue
		}
		u.Options = append(u.Options, opts...)
		written = append(written, opts...)
	}
	r.refresh(u)

	if u.Transient || len(written) == 0 {
		return nil
	}
	return r.writeDropIn(u, written, mode)
}

func (r *Registry) writeDropIn(u *unitmgr.Unit, opts []*sdunit.UnitOption, mode unitmgr.PropertyMode) error {
	dir := r.runtimeDir
	if mode == unitmgr.PropertyPersistent {
		dir = r.persistentDir
	}
	if dir == "" {
		return nil
	}

	d := filepath.Join(dir, u.ID+".d")
	if err := os.MkdirAll(d, unitmgr.DirMode); err != nil {
		return errors.Annotatef(err, "creating %s", d)
	}
	content, err := io.ReadAll(sdunit.Serialize(opts))
	if err != nil {
		return errors.Trace(err)
	}
	p := filepath.Join(d, fmt.Sprintf("50-%s.conf", opts[0].Name))
	if err := renameio.WriteFile(p, content, unitmgr.FileMode); err != nil {
		return errors.Annotatef(err, "writing %s", p)
	}
	r.logger.WithFields(logrus.Fields{
		"unit": u.ID,
		"path": p,
		"mode": mode,
	}).Debug("property drop-in written")
	return nil
}

// LoadUnit implements unitmgr.Registry
func (r *Registry) LoadUnit(u *unitmgr.Unit) error {
	if u.LoadState != unitmgr.LoadStub {
		return nil
	}
	r.dequeue(u)

	if !u.Transient {
		var cfg *Config
		if r.loader != nil {
			c, err := r.loader.Load(u.ID)
			if err != nil && !errors.Is(err, errors.NotFound) {
				u.LoadState = unitmgr.LoadError
				return errors.Trace(err)
			}
			cfg = c
		}
		r.apply(u, cfg)
		return nil
	}

	switch u.Kind {
	case unitmgr.KindService:
		if len(optionList(u.Options, "Service", "ExecStart")) == 0 {
			u.LoadState = unitmgr.LoadError
			return errors.NotValidf("service %s lacks ExecStart", u.ID)
		}
	case unitmgr.KindScope:
		if len(u.PIDs) == 0 {
			u.LoadState = unitmgr.LoadError
			return errors.NotValidf("scope %s has no PIDs", u.ID)
		}
	}
	u.LoadState = unitmgr.LoadLoaded
	return nil
}

func (r *Registry) dequeue(u *unitmgr.Unit) {
	for i, q := range r.loadQueue {
		if q == u {
			r.loadQueue = append(r.loadQueue[:i], r.loadQueue[i+1:]...)
			return
		}
	}
}

// DispatchLoadQueue implements unitmgr.Registry
func (r *Registry) DispatchLoadQueue() {
	queue := r.loadQueue
	r.loadQueue = nil
	for _, u := range queue {
		if err := r.LoadUnit(u); err != nil {
			r.logger.WithError(err).WithField("unit", u.ID).Warn("deferred load failed")
		}
	}
}

// Units implements unitmgr.Registry
func (r *Registry) Units() []*unitmgr.Unit {
	out := make([]*unitmgr.Unit, 0, len(r.units))
	for name, u := range r.units {
		if name == u.ID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NNames implements unitmgr.Registry
func (r *Registry) NNames() int {
	return len(r.units)
}

// Kill implements unitmgr.Registry. The first PID is the main process;
// the registry tracks no control processes.
func (r *Registry) Kill(u *unitmgr.Unit, who sddbus.Who, signal int) error {
	var pids []int
	switch who {
	case sddbus.Main:
		if len(u.PIDs) > 0 {
			pids = u.PIDs[:1]
		}
	case sddbus.Control:
	default:
		pids = u.PIDs
	}
	if len(pids) == 0 {
		return errors.NotFoundf("%s processes of %s", who, u.ID)
	}

	var merr unitmgr.MultiError
	for _, pid := range pids {
		if err := r.kill(pid, signal); err != nil {
			merr.Add(errors.Annotatef(err, "pid %d", pid))
		}
	}
	return merr.Err()
}

// ResetFailed implements unitmgr.Registry
func (r *Registry) ResetFailed(u *unitmgr.Unit) error {
	if u.ActiveState == unitmgr.ActiveStateFailed {
		u.ActiveState = unitmgr.ActiveStateInactive
		u.SubState = subDead
	}
	return nil
}

// ResetFailedAll implements unitmgr.Registry
func (r *Registry) ResetFailedAll() {
	for _, u := range r.Units() {
		_ = r.ResetFailed(u)
	}
}

// CreateSnapshot implements unitmgr.Registry. The snapshot wants every
// unit active at creation time.
func (r *Registry) CreateSnapshot(name string, cleanup bool) (*unitmgr.Unit, error) {
	if name == "" {
		for {
			r.snapSeq++
			name = fmt.Sprintf("snapshot-%d.snapshot", r.snapSeq)
			if _, ok := r.units[name]; !ok {
				break
			}
		}
	}
	if _, ok := r.units[name]; ok {
		return nil, errors.AlreadyExistsf("snapshot %s", name)
	}

	u := r.newUnit(name)
	u.LoadState = unitmgr.LoadLoaded
	u.ActiveState = unitmgr.ActiveStateActive
	u.SubState = subActive
	u.Description = "Snapshot " + name
	for _, a := range r.Units() {
		if a.ActiveState == unitmgr.ActiveStateActive && a.Kind != unitmgr.KindSnapshot {
			u.Options = append(u.Options, sdunit.NewUnitOption("Unit", "Wants", a.ID))
		}
	}
	r.snapshots[name] = cleanup
	r.add(u)
	return u, nil
}

// RemoveSnapshot implements unitmgr.Registry
func (r *Registry) RemoveSnapshot(u *unitmgr.Unit) error {
	if u.Kind != unitmgr.KindSnapshot {
		return errors.NotValidf("unit %s is not a snapshot", u.ID)
	}
	r.remove(u)
	return nil
}

func (r *Registry) remove(u *unitmgr.Unit) {
	for _, n := range u.Names {
		delete(r.units, n)
	}
	delete(r.snapshots, u.ID)
	r.dequeue(u)
	for dep, refs := range r.refs {
		refs.Remove(u.ID)
		if d, ok := r.units[dep]; ok {
			d.ReferencedBy.Remove(u.ID)
		}
		if refs.IsEmpty() {
			delete(r.refs, dep)
		}
	}
	r.unitRemoved(u)
}

// SetActiveState records a runtime state change of u. Leaving the
// active state cleans up snapshots created with cleanup set.
func (r *Registry) SetActiveState(u *unitmgr.Unit, active, sub string) {
	u.ActiveState = active
	u.SubState = sub
	if active == unitmgr.ActiveStateInactive && u.Kind == unitmgr.KindSnapshot && r.snapshots[u.ID] {
		r.remove(u)
	}
}

// GC removes units nobody needs: not found, failed to load, or
// transient and inactive, without a pending job and unreferenced.
// It returns the number of removed units.
func (r *Registry) GC() int {
	n := 0
	for _, u := range r.Units() {
		if u.Job != nil || u.Referenced() {
			continue
		}
		switch {
		case u.LoadState == unitmgr.LoadNotFound, u.LoadState == unitmgr.LoadError:
		case u.Transient && u.ActiveState == unitmgr.ActiveStateInactive && u.LoadState != unitmgr.LoadStub:
		default:
			continue
		}
		r.remove(u)
		n++
	}
	return n
}

// Dump implements unitmgr.Registry
func (r *Registry) Dump(w io.Writer) error {
	var b strings.Builder
	for _, u := range r.Units() {
		fmt.Fprintf(&b, "-> Unit %s:\n", u.ID)
		fmt.Fprintf(&b, "\tDescription: %s\n", u.Description)
		fmt.Fprintf(&b, "\tNames: %s\n", strings.Join(u.Names, " "))
		fmt.Fprintf(&b, "\tLoad State: %s\n", u.LoadState)
		fmt.Fprintf(&b, "\tActive State: %s\n", u.ActiveState)
		fmt.Fprintf(&b, "\tSub State: %s\n", u.SubState)
		fmt.Fprintf(&b, "\tTransient: %t\n", u.Transient)
		if u.FragmentPath != "" {
			fmt.Fprintf(&b, "\tFragment Path: %s\n", u.FragmentPath)
		}
		if u.Referenced() {
			fmt.Fprintf(&b, "\tReferenced By: %s\n", strings.Join(u.ReferencedBy.SortedValues(), " "))
		}
		if len(u.PIDs) > 0 {
			fmt.Fprintf(&b, "\tPIDs: %v\n", u.PIDs)
		}
		for _, o := range u.Options {
			fmt.Fprintf(&b, "\t%s.%s=%s\n", o.Section, o.Name, o.Value)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
