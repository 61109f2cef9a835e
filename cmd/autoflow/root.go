package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/autoflow/app"
	"github.com/songzhibin97/autoflow/config"
	"github.com/songzhibin97/autoflow/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "autoflow",
		Short: "Turn natural-language requests into validated, deployed automation workflows",
		Long: `autoflow generates workflow graphs from plain-language prompts, checks
them statically and deploys them to the builder service through a job queue.`,
		Version: app.Version,
		// SilenceUsage is set to true to prevent printing usage message on errors
		// handled by us (e.g. invalid workflows, unreachable stores)
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "autoflow version %s\n" .Version}}`)
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (YAML); AUTOFLOW_* variables override it")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newGenerateCmd(opts))
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

// load reads the configuration and builds the logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}
