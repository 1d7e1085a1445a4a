package unitmgr

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/axondata/go-unitmgr/install"
)

// Config is the file form of the Manager options
type Config struct {
	// Mode is "system" or "user". Default: system.
	Mode string `yaml:"mode"`

	// LogLevel accepts logrus and syslog level names. Default: info.
	LogLevel string `yaml:"log_level"`

	// LogTarget is one of the known log targets. Default: console.
	LogTarget string `yaml:"log_target"`

	// Environment holds NAME=VALUE assignments passed to units
	Environment []string `yaml:"environment"`

	ConfirmSpawn bool `yaml:"confirm_spawn"`
	ShowStatus   bool `yaml:"show_status"`

	// DefaultStandardOutput is the stdout target of spawned units. Default: journal.
	DefaultStandardOutput string `yaml:"default_standard_output"`

	// DefaultStandardError is the stderr target of spawned units. Default: inherit.
	DefaultStandardError string `yaml:"default_standard_error"`

	// RuntimeWatchdog is the keep-alive timeout, 0 disables it
	RuntimeWatchdog time.Duration `yaml:"runtime_watchdog"`

	// ShutdownWatchdog is the watchdog timeout applied during shutdown
	ShutdownWatchdog time.Duration `yaml:"shutdown_watchdog"`

	// WatchUnitFiles enables UnitFilesChanged for changes made outside the API
	WatchUnitFiles bool `yaml:"watch_unit_files"`

	// WatchDebounce coalesces bursts of unit-file events. Default: 100ms.
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// Root is the directory unit files and host detection are relative to. Default: /.
	Root string `yaml:"root"`

	// Access lists actions per uid in addition to status, which everyone may read
	Access map[uint32][]string `yaml:"access"`
}

// ApplyDefaults sets default values for zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSystem.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogTarget == "" {
		c.LogTarget = LogTargetConsole
	}
	if c.DefaultStandardOutput == "" {
		c.DefaultStandardOutput = "journal"
	}
	if c.DefaultStandardError == "" {
		c.DefaultStandardError = "inherit"
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = DefaultWatchDebounce
	}
	if c.Root == "" {
		c.Root = "/"
	}
}

// Validate checks that configuration values are well-formed
func (c *Config) Validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return fmt.Errorf("unitmgr: config: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unitmgr: config: invalid log_level %q", c.LogLevel)
	}
	if !logTargets.Contains(c.LogTarget) {
		return fmt.Errorf("unitmgr: config: invalid log_target %q", c.LogTarget)
	}
	if err := validateAssignments(c.Environment); err != nil {
		return fmt.Errorf("unitmgr: config: %w", err)
	}
	if c.RuntimeWatchdog < 0 || c.ShutdownWatchdog < 0 {
		return fmt.Errorf("unitmgr: config: watchdog timeouts must not be negative")
	}
	if c.WatchDebounce < 0 {
		return fmt.Errorf("unitmgr: config: watch_debounce must not be negative")
	}
	for uid, actions := range c.Access {
		for _, a := range actions {
			if _, err := ParseAction(a); err != nil {
				return fmt.Errorf("unitmgr: config: access for uid %d: %w", uid, err)
			}
		}
	}
	return nil
}

// LoadConfig reads, defaults and validates a YAML config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unitmgr: config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unitmgr: config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Policy builds the access policy described by the config
func (c *Config) Policy() *Policy {
	p := DefaultPolicy()
	if len(c.Access) == 0 {
		return p
	}
	p.Users = make(map[uint32][]Action, len(c.Access))
	for uid, names := range c.Access {
		for _, n := range names {
			if a, err := ParseAction(n); err == nil {
				p.Users[uid] = append(p.Users[uid], a)
			}
		}
	}
	return p
}

// Options translates the config into Manager options. logger receives
// the configured level; it may be nil.
func (c *Config) Options(logger *logrus.Logger) []Option {
	mode, _ := ParseMode(c.Mode)
	if logger == nil {
		logger = logrus.New()
	}
	if l, err := ParseLogLevel(c.LogLevel); err == nil {
		logger.SetLevel(l)
	}

	opts := []Option{
		WithMode(mode),
		WithLogger(logger),
		WithLogTarget(c.LogTarget),
		WithEnvironment(c.Environment),
		WithConfirmSpawn(c.ConfirmSpawn),
		WithShowStatus(c.ShowStatus),
		WithDefaultStandardOutput(c.DefaultStandardOutput),
		WithDefaultStandardError(c.DefaultStandardError),
		WithRuntimeWatchdog(c.RuntimeWatchdog),
		WithShutdownWatchdog(c.ShutdownWatchdog),
		WithRoot(c.Root),
		WithAccessChecker(c.Policy()),
		WithInstaller(install.New(install.WithRoot(c.Root), install.WithLogger(logger))),
	}
	if c.WatchUnitFiles {
		opts = append(opts, WithUnitFileWatch(c.WatchDebounce))
	}
	return opts
}
