package unitmgr_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/axondata/go-unitmgr"
	"github.com/axondata/go-unitmgr/install"
	"github.com/axondata/go-unitmgr/memstore"
)

const systemDir = "/etc/systemd/system"

var errEmit = errors.New("emit failed")

// emission is one Emit call observed by a fakeBus
type emission struct {
	Dest   string
	Member string
	Body   []interface{}
}

// fakeBus records emitted signals
type fakeBus struct {
	id string

	mu   sync.Mutex
	sent []emission
	fail bool
}

func newFakeBus(id string) *fakeBus {
	return &fakeBus{id: id}
}

func (b *fakeBus) ID() string { return b.id }

func (b *fakeBus) Emit(dest string, sig *dbus.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	member := sig.Name[len(unitmgr.ManagerInterface)+1:]
	b.sent = append(b.sent, emission{Dest: dest, Member: member, Body: sig.Body})
	if b.fail {
		return errEmit
	}
	return nil
}

func (b *fakeBus) emissions() []emission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]emission(nil), b.sent...)
}

// members returns the member names emitted, in order
func (b *fakeBus) members() []string {
	var out []string
	for _, e := range b.emissions() {
		out = append(out, e.Member)
	}
	return out
}

func (b *fakeBus) count(member string) int {
	n := 0
	for _, e := range b.emissions() {
		if e.Member == member {
			n++
		}
	}
	return n
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

var (
	root  = unitmgr.Caller{Sender: ":1.1", UID: 0, PID: 1}
	guest = unitmgr.Caller{Sender: ":1.2", UID: 1000, PID: 2}
)

func on(c unitmgr.Caller, b unitmgr.Bus) unitmgr.Caller {
	c.Bus = b
	return c
}

// testEnv is a Manager over memstore collaborators and an installer
// rooted in a temporary directory
type testEnv struct {
	t        *testing.T
	root     string
	m        *unitmgr.Manager
	registry *memstore.Registry
	jobs     *memstore.Jobs
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T, opts ...unitmgr.Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := quietLogger()
	inst := install.New(install.WithRoot(dir), install.WithHome("/home/test"), install.WithLogger(logger))

	registry := memstore.NewRegistry(
		memstore.WithLoader(memstore.DirLoader{Dirs: inst.Dirs(install.ScopeSystem)}),
		memstore.WithRegistryLogger(logger),
		memstore.WithKillFunc(func(pid, signal int) error { return nil }),
	)
	jobs := memstore.NewJobs(registry)

	base := []unitmgr.Option{
		unitmgr.WithLogger(logger),
		unitmgr.WithInstaller(inst),
		unitmgr.WithRoot(dir),
	}
	m, err := unitmgr.New(registry, jobs, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return &testEnv{t: t, root: dir, m: m, registry: registry, jobs: jobs}
}

// writeUnit writes a unit file below dir inside the environment root
func (e *testEnv) writeUnit(dir, name, content string) string {
	e.t.Helper()
	p := filepath.Join(e.root, dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		e.t.Fatal(err)
	}
	return p
}

func (e *testEnv) subscribe(c unitmgr.Caller) {
	e.t.Helper()
	if err := e.m.Subscribe(c); err != nil {
		e.t.Fatalf("Subscribe(%s) error = %v", c, err)
	}
}

const simpleService = `[Unit]
Description=Simple

[Service]
ExecStart=/bin/true
ExecReload=/bin/true

[Install]
WantedBy=multi-user.target
`

const noReloadService = `[Service]
ExecStart=/bin/true
`
