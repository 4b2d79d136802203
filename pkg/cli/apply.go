package cli

import (
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	defs "persistd/definitions"
	log "persistd/logger"
	"persistd/pkg/fsutil"
	"persistd/pkg/reconciler"
	"persistd/pkg/store"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	DryRun   bool
	NoNotify bool
}

// NewApplyCommand creates the apply command, the oneshot run once per boot.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Mount durable stores and reconcile the mount table",
		Long: `Mount every declared durable store, then apply the mount table. A
boot-critical store or entry that cannot be satisfied exits non-zero so the
service manager can halt dependent units; optional entries degrade to
warnings. On success the service manager is notified (sd_notify) and a
ready marker is written under ` + defs.RunDir + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "report what would change without touching the filesystem")
	cmd.Flags().BoolVar(&opts.NoNotify, "no-notify", false, "skip sd_notify and the ready marker")

	return cmd
}

func runApply(opts *ApplyOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	mounter, err := store.NewMounter(cfg.Stores)
	if err != nil {
		return err
	}

	if opts.DryRun {
		for _, s := range mounter.Stores() {
			log.Infof("dry run: would ensure store %q is mounted at %s", s.ID, s.Mountpoint)
		}
	} else if err := mounter.MountAll(); err != nil {
		return err
	}

	rec, err := reconciler.New(cfg.Table)
	if err != nil {
		return err
	}
	rec.SetDryRun(opts.DryRun)

	report, applyErr := rec.Apply()
	log.Pretty("run report: %v", report)
	if err := report.Save(defs.RunDir); err != nil {
		log.WithError(err).Warnf("cannot persist run report under %s", defs.RunDir)
	}
	if applyErr != nil {
		return applyErr
	}

	if skipped := report.Skipped(); len(skipped) > 0 && !opts.DryRun {
		log.Warnf("%d optional entries not applied: %v", len(skipped), skipped)
	}

	if report.Satisfied && !opts.DryRun && !opts.NoNotify {
		notifyReady()
	}
	return nil
}

// notifyReady exposes "reconciliation complete" to downstream boot stages:
// sd_notify for the owning unit, plus a marker file for anything that only
// knows how to test a path.
func notifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("sd_notify failed")
	} else if !ok {
		log.Debug("no NOTIFY_SOCKET, skipping sd_notify")
	}

	if err := fsutil.EnsureDir(defs.RunDir, defs.DirMode); err != nil {
		log.WithError(err).Warnf("cannot create %s", defs.RunDir)
		return
	}
	marker := filepath.Join(defs.RunDir, defs.ReadyFile)
	if err := os.WriteFile(marker, []byte("1\n"), defs.FileMode); err != nil {
		log.WithError(err).Warnf("cannot write ready marker %s", marker)
	}
}
