package cli

import (
	"github.com/spf13/cobra"

	log "persistd/logger"
	"persistd/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the persistd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "persistd",
		Short: "Persistent-state reconciler for ephemeral-root systems",
		Long: `persistd re-materializes declared paths on a volatile root filesystem
from durable backing stores, once per boot. It mounts the stores, then walks
an immutable mount table creating symlinks and bind mounts so that stateful
services find their data where they expect it.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// loadConfig resolves the config path, loads it and initializes logging.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, err
	}
	log.Pretty("loaded config from %s: %v", path, cfg)
	return cfg, nil
}
