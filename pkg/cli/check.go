package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"persistd/pkg/reconciler"
	"persistd/pkg/store"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and report what apply would do",
		Long: `Validate the mount table, probe the durable stores and walk the table
in dry-run mode. Useful before a reboot: a boot-critical entry whose durable
path is missing would otherwise only surface as a failed boot. Exits
non-zero when the table is invalid or a required entry cannot be satisfied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}
	return cmd
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	mounter, err := store.NewMounter(cfg.Stores)
	if err != nil {
		return err
	}
	if _, err := mounter.Ready(); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "stores: %v\n", err)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "stores: all boot-critical stores mounted")
	}

	rec, err := reconciler.New(cfg.Table)
	if err != nil {
		return err
	}
	rec.SetDryRun(true)

	report, applyErr := rec.Apply()
	for _, res := range report.Entries {
		line := fmt.Sprintf("%-10s %-8s %s -> %s", res.Name, res.State, res.EphemeralPath, res.DurablePath)
		switch {
		case res.Reason != "":
			line += "  (" + res.Reason + ")"
		case res.Changed:
			line += "  (would apply)"
		case res.State == reconciler.StateApplied:
			line += "  (already correct)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return applyErr
}
