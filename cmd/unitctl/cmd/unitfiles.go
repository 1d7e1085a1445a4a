package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/axondata/go-unitmgr"
)

var (
	runtimeFlag bool
	forceFlag   bool
)

// unitFileOp adapts one of the Manager's unit-file mutations to a command
type unitFileOp func(m *unitmgr.Manager, c unitmgr.Caller, names []string) (unitmgr.UnitFileChanges, error)

func listChanges(f func(*unitmgr.Manager, unitmgr.Caller, []string, bool, bool) ([]unitmgr.UnitFileChange, error)) unitFileOp {
	return func(m *unitmgr.Manager, c unitmgr.Caller, names []string) (unitmgr.UnitFileChanges, error) {
		changes, err := f(m, c, names, runtimeFlag, forceFlag)
		return unitmgr.UnitFileChanges{Changes: changes}, err
	}
}

func replyChanges(f func(*unitmgr.Manager, unitmgr.Caller, []string, bool, bool) (unitmgr.UnitFileChanges, error)) unitFileOp {
	return func(m *unitmgr.Manager, c unitmgr.Caller, names []string) (unitmgr.UnitFileChanges, error) {
		return f(m, c, names, runtimeFlag, forceFlag)
	}
}

func noForce(f func(*unitmgr.Manager, unitmgr.Caller, []string, bool) ([]unitmgr.UnitFileChange, error)) unitFileOp {
	return func(m *unitmgr.Manager, c unitmgr.Caller, names []string) (unitmgr.UnitFileChanges, error) {
		changes, err := f(m, c, names, runtimeFlag)
		return unitmgr.UnitFileChanges{Changes: changes}, err
	}
}

// newUnitFileCmd builds a mutation command. enableClass commands report
// unit files that carry no [Install] section.
func newUnitFileCmd(use, short string, op unitFileOp, force, enableClass bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " UNIT...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *unitmgr.Manager) error {
				reply, err := op(m, caller(), args)
				if err != nil {
					return fmt.Errorf("unitctl %s: %w", use, err)
				}
				printChanges(cmd.OutOrStdout(), reply.Changes)
				if enableClass && !reply.CarriesInstallInfo {
					fmt.Fprintln(cmd.ErrOrStderr(), "The unit files have no installation config.")
				}
				return nil
			})
		},
	}
	c.Flags().BoolVar(&runtimeFlag, "runtime", false, "make the change until the next reboot only")
	if force {
		c.Flags().BoolVar(&forceFlag, "force", false, "overwrite conflicting links")
	}
	return c
}

func printChanges(w io.Writer, changes []unitmgr.UnitFileChange) {
	for _, ch := range changes {
		switch ch.Type {
		case "symlink":
			fmt.Fprintf(w, "Created symlink %s -> %s.\n", ch.Filename, ch.Destination)
		default:
			fmt.Fprintf(w, "Removed %s.\n", ch.Filename)
		}
	}
}

var setDefaultCmd = &cobra.Command{
	Use:   "set-default TARGET",
	Short: "Set the default target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			changes, err := m.SetDefaultTarget(caller(), args[0], forceFlag)
			if err != nil {
				return fmt.Errorf("unitctl set-default: %w", err)
			}
			printChanges(cmd.OutOrStdout(), changes)
			return nil
		})
	},
}

var getDefaultCmd = &cobra.Command{
	Use:   "get-default",
	Short: "Show the default target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			name, err := m.GetDefaultTarget(caller())
			if err != nil {
				return fmt.Errorf("unitctl get-default: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		})
	},
}

var listUnitFilesCmd = &cobra.Command{
	Use:   "list-unit-files",
	Short: "List installed unit files and their state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			files, err := m.ListUnitFiles(caller())
			if err != nil {
				return fmt.Errorf("unitctl list-unit-files: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT FILE\tSTATE")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\n", f.Path, f.Type)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d unit files listed.\n", len(files))
			return nil
		})
	},
}

var isEnabledCmd = &cobra.Command{
	Use:   "is-enabled UNIT",
	Short: "Show the enablement state of a unit file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *unitmgr.Manager) error {
			state, err := m.GetUnitFileState(caller(), args[0])
			if err != nil {
				return fmt.Errorf("unitctl is-enabled: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(
		newUnitFileCmd("enable", "Enable unit files", replyChanges((*unitmgr.Manager).EnableUnitFiles), true, true),
		newUnitFileCmd("reenable", "Disable and re-enable unit files", replyChanges((*unitmgr.Manager).ReenableUnitFiles), true, true),
		newUnitFileCmd("preset", "Enable or disable unit files according to presets", replyChanges((*unitmgr.Manager).PresetUnitFiles), true, true),
		newUnitFileCmd("link", "Link unit files from outside the search path", listChanges((*unitmgr.Manager).LinkUnitFiles), true, false),
		newUnitFileCmd("mask", "Mask unit files", listChanges((*unitmgr.Manager).MaskUnitFiles), true, false),
		newUnitFileCmd("disable", "Disable unit files", noForce((*unitmgr.Manager).DisableUnitFiles), false, false),
		newUnitFileCmd("unmask", "Unmask unit files", noForce((*unitmgr.Manager).UnmaskUnitFiles), false, false),
	)

	setDefaultCmd.Flags().BoolVar(&forceFlag, "force", false, "overwrite an existing default link")
	rootCmd.AddCommand(setDefaultCmd, getDefaultCmd, listUnitFilesCmd, isEnabledCmd)
}
