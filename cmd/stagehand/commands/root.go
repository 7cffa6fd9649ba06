// Package commands implements the stagehand command line.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envName    string
	logLevel   string
	logFormat  string
	version    string

	// levelSet and formatSet report an explicit flag or environment value,
	// which overrides the profile file's logging table.
	levelSet  bool
	formatSet bool
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "stagehand - resumable multi-entity deployment orchestrator",
		Long: `stagehand deploys, registers and wires a set of interdependent entities on a
remote system exactly once per environment.

Every stage of every entity is recorded in a per-environment ledger. A run that
crashes or fails part way can simply be repeated: completed stages are skipped
without any remote call.

Features:
  - Manifests in YAML, CUE or Starlark with @Name address references
  - Environment profiles in stagehand.toml (file, sqlite or in-memory ledgers)
  - Pointer-wrapped entities that can be upgraded in place
  - Rego policy gate for plans and upgrades
  - Remote executors run locally or over SSH`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setupLogging(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "profile file (default ./"+config.DefaultFile+")")
	flags.StringVarP(&opts.envName, "env", "e", os.Getenv("STAGEHAND_ENV"), "environment profile")
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(newDeployCommand(opts))
	rootCmd.AddCommand(newUpgradeCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newResetCommand(opts))
	rootCmd.AddCommand(newLedgerCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))

	return rootCmd
}

// setupLogging points the global logger at stderr with the requested level
// and format.
func (o *globalOptions) setupLogging(cmd *cobra.Command) error {
	switch o.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q", o.logFormat)
	}

	o.levelSet = cmd.Flags().Changed("log-level") || os.Getenv("LOG_LEVEL") != ""
	o.formatSet = cmd.Flags().Changed("log-format")

	logger := telemetry.NewWriterLogger(cmd.ErrOrStderr(), o.loggingConfig())
	log.Logger = logger.Zerolog()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(o.logLevel))
	return nil
}

func (o *globalOptions) loggingConfig() telemetry.LoggingConfig {
	cfg := telemetry.DefaultConfig().Logging
	cfg.Level = o.logLevel
	cfg.Format = o.logFormat
	return cfg
}

// profile loads the profile file and resolves the selected environment.
func (o *globalOptions) profile() (*config.File, *config.Profile, error) {
	file, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	profile, err := file.Profile(o.envName)
	if err != nil {
		return nil, nil, err
	}
	return file, profile, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
