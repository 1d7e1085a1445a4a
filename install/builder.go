package install

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sdunit "github.com/coreos/go-systemd/v22/unit"
	"github.com/google/renameio/v2"
)

const fileMode = 0o644

// Builder provides a fluent interface for writing service unit files
type Builder struct {
	// Name is the unit name, including the .service suffix
	Name string
	// Dir is the directory the unit file is written to
	Dir string
	// Description is the human readable description
	Description string
	// Cmd is the command and arguments to execute
	Cmd []string
	// Cwd is the working directory for the service
	Cwd string
	// Umask sets the file mode creation mask
	Umask fs.FileMode
	// Env contains environment variables for the service
	Env map[string]string
	// Exec configures the process context
	Exec *ExecBuilder
	// After lists units ordered before this one
	After []string
	// WantedBy lists targets the unit is installed into
	WantedBy []string
	// Alias lists alternative names created on enable
	Alias []string
	// Restart is the restart policy
	Restart string
}

// ExecBuilder configures process limits and user context
type ExecBuilder struct {
	// User to run the process as
	User string
	// Group to run the process as
	Group string
	// Nice value for process priority
	Nice int
	// LimitFiles sets maximum number of open files
	LimitFiles int
	// LimitProcs sets maximum number of processes
	LimitProcs int
	// LimitCPU sets CPU time limit in seconds
	LimitCPU int
	// Root changes the root directory
	Root string
}

// NewBuilder creates a Builder for a service called name in dir
func NewBuilder(name, dir string) *Builder {
	if !strings.HasSuffix(name, ".service") {
		name += ".service"
	}
	return &Builder{
		Name:    name,
		Dir:     dir,
		Env:     make(map[string]string),
		Restart: "always",
	}
}

// WithDescription sets the description
func (b *Builder) WithDescription(d string) *Builder {
	b.Description = d
	return b
}

// WithCmd sets the command to execute
func (b *Builder) WithCmd(cmd []string) *Builder {
	b.Cmd = cmd
	return b
}

// WithCwd sets the working directory
func (b *Builder) WithCwd(cwd string) *Builder {
	b.Cwd = cwd
	return b
}

// WithUmask sets the file mode creation mask
func (b *Builder) WithUmask(umask fs.FileMode) *Builder {
	b.Umask = umask
	return b
}

// WithEnv adds an environment variable
func (b *Builder) WithEnv(key, value string) *Builder {
	b.Env[key] = value
	return b
}

// WithExec configures process context settings
func (b *Builder) WithExec(fn func(*ExecBuilder)) *Builder {
	if b.Exec == nil {
		b.Exec = &ExecBuilder{}
	}
	fn(b.Exec)
	return b
}

// WithAfter adds ordering dependencies
func (b *Builder) WithAfter(units ...string) *Builder {
	b.After = append(b.After, units...)
	return b
}

// WithWantedBy adds install targets
func (b *Builder) WithWantedBy(targets ...string) *Builder {
	b.WantedBy = append(b.WantedBy, targets...)
	return b
}

// WithAlias adds install aliases
func (b *Builder) WithAlias(names ...string) *Builder {
	b.Alias = append(b.Alias, names...)
	return b
}

// WithRestart sets the restart policy
func (b *Builder) WithRestart(policy string) *Builder {
	b.Restart = policy
	return b
}

// Options returns the unit file as a list of options
func (b *Builder) Options() ([]*sdunit.UnitOption, error) {
	if len(b.Cmd) == 0 {
		return nil, fmt.Errorf("command not specified")
	}
	if !ValidName(b.Name) {
		return nil, fmt.Errorf("invalid unit name %q", b.Name)
	}

	desc := b.Description
	if desc == "" {
		desc = strings.TrimSuffix(b.Name, ".service") + " service"
	}
	opts := []*sdunit.UnitOption{
		sdunit.NewUnitOption("Unit", "Description", desc),
	}
	for _, a := range b.After {
		opts = append(opts, sdunit.NewUnitOption("Unit", "After", a))
	}

	opts = append(opts,
		sdunit.NewUnitOption("Service", "Type", "simple"),
		sdunit.NewUnitOption("Service", "ExecStart", joinCommand(b.Cmd)),
	)
	if b.Restart != "" {
		opts = append(opts, sdunit.NewUnitOption("Service", "Restart", b.Restart))
	}
	if b.Cwd != "" {
		opts = append(opts, sdunit.NewUnitOption("Service", "WorkingDirectory", b.Cwd))
	}
	if b.Umask != 0 {
		opts = append(opts, sdunit.NewUnitOption("Service", "UMask", fmt.Sprintf("%04o", b.Umask)))
	}

	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, sdunit.NewUnitOption("Service", "Environment", quote(k+"="+b.Env[k])))
	}

	if e := b.Exec; e != nil {
		if e.User != "" {
			opts = append(opts, sdunit.NewUnitOption("Service", "User", e.User))
		}
		if e.Group != "" {
			opts = append(opts, sdunit.NewUnitOption("Service", "Group", e.Group))
		}
		if e.Nice != 0 {
			opts = append(opts, sdunit.NewUnitOption("Service", "Nice", fmt.Sprintf("%d", e.Nice)))
		}
		if e.LimitFiles > 0 {
			opts = append(opts, sdunit.NewUnitOption("Service", "LimitNOFILE", fmt.Sprintf("%d", e.LimitFiles)))
		}
		if e.LimitProcs > 0 {
			opts = append(opts, sdunit.NewUnitOption("Service", "LimitNPROC", fmt.Sprintf("%d", e.LimitProcs)))
		}
		if e.LimitCPU > 0 {
			opts = append(opts, sdunit.NewUnitOption("Service", "LimitCPU", fmt.Sprintf("%d", e.LimitCPU)))
		}
		if e.Root != "" {
			opts = append(opts, sdunit.NewUnitOption("Service", "RootDirectory", e.Root))
		}
	}

	for _, t := range b.WantedBy {
		opts = append(opts, sdunit.NewUnitOption("Install", "WantedBy", t))
	}
	for _, a := range b.Alias {
		opts = append(opts, sdunit.NewUnitOption("Install", "Alias", a))
	}
	return opts, nil
}

// Build writes the unit file and returns its path
func (b *Builder) Build() (string, error) {
	if b.Dir == "" {
		return "", fmt.Errorf("unit directory not specified")
	}
	opts, err := b.Options()
	if err != nil {
		return "", err
	}
	content, err := io.ReadAll(sdunit.Serialize(opts))
	if err != nil {
		return "", fmt.Errorf("serializing unit: %w", err)
	}

	if err := os.MkdirAll(b.Dir, dirMode); err != nil {
		return "", fmt.Errorf("creating unit directory: %w", err)
	}
	path := filepath.Join(b.Dir, b.Name)
	if err := renameio.WriteFile(path, content, fileMode); err != nil {
		return "", fmt.Errorf("writing unit file: %w", err)
	}
	return path, nil
}

func joinCommand(cmd []string) string {
	parts := make([]string, 0, len(cmd))
	for _, p := range cmd {
		parts = append(parts, quote(p))
	}
	return strings.Join(parts, " ")
}

// quote wraps s in double quotes if it contains characters the unit
// file parser would split on
func quote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
