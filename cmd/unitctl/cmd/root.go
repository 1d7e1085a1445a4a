// Package cmd implements the unitctl CLI commands.
//
// unitctl drives an in-process manager over the unit files below --root.
// Unit-file operations persist; unit and job state lives only for the
// duration of one invocation.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/axondata/go-unitmgr"
	"github.com/axondata/go-unitmgr/install"
	"github.com/axondata/go-unitmgr/memstore"
)

var (
	cfgFile  string
	rootDir  string
	logLevel string
	userMode bool
)

var rootCmd = &cobra.Command{
	Use:          "unitctl",
	Short:        "unitctl manages unit files and units",
	Long:         "unitctl enables, disables, masks and inspects unit files below a root directory\nand runs requests against an in-process unit manager.",
	Version:      unitmgr.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "/", "root directory of the unit tree")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "log level (debug, info, warning, err)")
	rootCmd.PersistentFlags().BoolVar(&userMode, "user", false, "operate on the user unit tree")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// caller identifies this process to the access gate
func caller() unitmgr.Caller {
	return unitmgr.Caller{
		Sender: "unitctl",
		UID:    uint32(os.Getuid()),
		PID:    os.Getpid(),
	}
}

// newManager builds a Manager from --config, or from the flags when no
// config file is given
func newManager() (*unitmgr.Manager, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg := &unitmgr.Config{LogLevel: logLevel, Root: rootDir}
	if userMode {
		cfg.Mode = unitmgr.ModeUser.String()
	}
	if cfgFile != "" {
		var err error
		if cfg, err = unitmgr.LoadConfig(cfgFile); err != nil {
			return nil, err
		}
	} else {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	scope := install.ScopeSystem
	if cfg.Mode == unitmgr.ModeUser.String() {
		scope = install.ScopeUser
	}
	inst := install.New(install.WithRoot(cfg.Root), install.WithLogger(logger))

	registry := memstore.NewRegistry(
		memstore.WithLoader(memstore.DirLoader{Dirs: inst.Dirs(scope)}),
		memstore.WithRegistryLogger(logger),
	)
	jobs := memstore.NewJobs(registry, memstore.WithJobsLogger(logger))

	opts := append(cfg.Options(logger), unitmgr.WithInstaller(inst))
	m, err := unitmgr.New(registry, jobs, opts...)
	if err != nil {
		return nil, fmt.Errorf("unitctl: %w", err)
	}
	return m, nil
}

// withManager runs fn against a fresh Manager and closes it afterwards
func withManager(fn func(m *unitmgr.Manager) error) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}
