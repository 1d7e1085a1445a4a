package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/axondata/go-unitmgr"
	"github.com/axondata/go-unitmgr/install"
)

var (
	newDescription string
	newDir         string
	newAfter       []string
	newWantedBy    []string
	newEnv         []string
	newRestart     string
	newUser        string
	newCwd         string

	jobMode    string
	showDump   bool
	killWhom   string
	killSignal int
)

var newCmd = &cobra.Command{
	Use:   "new NAME -- COMMAND [ARG...]",
	Short: "Write a service unit file",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := newDir
		if dir == "" {
			dir = filepath.Join(rootDir, "etc/systemd/system")
		}
		b := install.NewBuilder(args[0], dir).
			WithDescription(newDescription).
			WithCmd(args[1:]).
			WithCwd(newCwd).
			WithRestart(newRestart).
			WithAfter(newAfter...).
			WithWantedBy(newWantedBy...)
		for _, kv := range newEnv {
			if !unitmgr.ValidEnvAssignment(kv) {
				return fmt.Errorf("unitctl new: invalid environment assignment %q", kv)
			}
			k, v, _ := strings.Cut(kv, "=")
			b.WithEnv(k, v)
		}
		if newUser != "" {
			b.WithExec(func(e *install.ExecBuilder) { e.User = newUser })
		}

		path, err := b.Build()
		if err != nil {
			return fmt.Errorf("unitctl new: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show manager properties",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			props := m.Properties()
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := cmd.OutOrStdout()
			for _, k := range keys {
				fmt.Fprintf(w, "%s=%v\n", k, props[k].Value())
			}
			return nil
		})
	},
}

// jobOp is one of the Manager's job-creating requests
type jobOp func(m *unitmgr.Manager, c unitmgr.Caller, name, mode string) (dbus.ObjectPath, error)

func newJobCmd(use, short string, op jobOp) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " UNIT...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *unitmgr.Manager) error {
				w := cmd.OutOrStdout()
				for _, name := range args {
					job, err := op(m, caller(), name, jobMode)
					if err != nil {
						return fmt.Errorf("unitctl %s %s: %w", use, name, err)
					}
					fmt.Fprintf(w, "%s: %s\n", name, job)
				}
				if showDump {
					dump, err := m.Dump(caller())
					if err != nil {
						return err
					}
					fmt.Fprint(w, dump)
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&jobMode, "job-mode", "replace", "how to deal with queued jobs (replace, fail, isolate, ...)")
	c.Flags().BoolVar(&showDump, "dump", false, "print the manager state afterwards")
	return c
}

var listUnitsCmd = &cobra.Command{
	Use:   "list-units UNIT...",
	Short: "Load units and list their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			for _, name := range args {
				if _, err := m.LoadUnit(caller(), name); err != nil {
					return fmt.Errorf("unitctl list-units %s: %w", name, err)
				}
			}
			units, err := m.ListUnits(caller())
			if err != nil {
				return fmt.Errorf("unitctl list-units: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tLOAD\tACTIVE\tSUB\tDESCRIPTION")
			for _, u := range units {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Name, u.LoadState, u.ActiveState, u.SubState, u.Description)
			}
			return tw.Flush()
		})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill UNIT",
	Short: "Send a signal to the processes of a loaded unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			if _, err := m.LoadUnit(caller(), args[0]); err != nil {
				return fmt.Errorf("unitctl kill: %w", err)
			}
			if err := m.KillUnit(caller(), args[0], killWhom, killSignal); err != nil {
				return fmt.Errorf("unitctl kill: %w", err)
			}
			return nil
		})
	},
}

func init() {
	newCmd.Flags().StringVar(&newDescription, "description", "", "unit description")
	newCmd.Flags().StringVar(&newDir, "dir", "", "directory to write the unit to (default <root>/etc/systemd/system)")
	newCmd.Flags().StringSliceVar(&newAfter, "after", nil, "units ordered before this one")
	newCmd.Flags().StringSliceVar(&newWantedBy, "wanted-by", []string{"multi-user.target"}, "targets the unit is installed into")
	newCmd.Flags().StringArrayVar(&newEnv, "env", nil, "NAME=VALUE environment assignment")
	newCmd.Flags().StringVar(&newRestart, "restart", "always", "restart policy")
	newCmd.Flags().StringVar(&newUser, "run-as", "", "user to run the service as")
	newCmd.Flags().StringVar(&newCwd, "cwd", "", "working directory")

	killCmd.Flags().StringVar(&killWhom, "kill-whom", "all", "main, control or all")
	killCmd.Flags().IntVar(&killSignal, "signal", 15, "signal number")

	rootCmd.AddCommand(
		newCmd, showCmd, listUnitsCmd, killCmd,
		newJobCmd("start", "Start units", (*unitmgr.Manager).StartUnit),
		newJobCmd("stop", "Stop units", (*unitmgr.Manager).StopUnit),
		newJobCmd("restart", "Restart units", (*unitmgr.Manager).RestartUnit),
		newJobCmd("reload", "Reload units", (*unitmgr.Manager).ReloadUnit),
		newJobCmd("try-restart", "Restart units that are running", (*unitmgr.Manager).TryRestartUnit),
	)
}
