package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	defs "persistd/definitions"
	perrs "persistd/errors"
	"persistd/pkg/fsutil"
	"persistd/pkg/reconciler"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	JSON bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the outcome of this boot's reconciliation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print the raw report")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	report, err := reconciler.LoadReport(defs.RunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return perrs.NotReconciled
		}
		return err
	}

	if opts.JSON {
		data, err := os.ReadFile(filepath.Join(defs.RunDir, defs.ReportFile))
		if err != nil {
			return err
		}
		cmd.OutOrStdout().Write(data)
		return nil
	}

	ready := fsutil.FileExist(filepath.Join(defs.RunDir, defs.ReadyFile))
	fmt.Fprintf(cmd.OutOrStdout(), "last pass: %s  satisfied=%v  ready=%v  dry-run=%v\n",
		report.FinishedAt.Format("2006-01-02 15:04:05 MST"), report.Satisfied, ready, report.DryRun)

	for _, res := range report.Entries {
		line := fmt.Sprintf("  %-10s %-8s %s", res.Name, res.State, res.EphemeralPath)
		if res.Reason != "" {
			line += "  (" + res.Reason + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
