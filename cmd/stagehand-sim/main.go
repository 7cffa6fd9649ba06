// Package main implements stagehand-sim, an executor that serves the
// in-memory simulator over the JSON-over-stdio protocol. Logs go to stderr;
// stdout carries protocol messages only.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/backend/server"
	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// Version information (set via ldflags during build)
var Version = "dev"

type options struct {
	catalog  string
	lag      int
	ttl      time.Duration
	logLevel string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "stagehand-sim",
		Short:         "Serve a simulated remote system over stdio",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.catalog, "catalog", "", "TOML artifact catalog")
	flags.IntVar(&opts.lag, "finalization-lag", -1, "pointer reads returning the zero address (overrides the catalog)")
	flags.DurationVar(&opts.ttl, "ttl", 10*time.Minute, "exit after this long")
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	logger := telemetry.NewWriterLogger(os.Stderr, telemetry.LoggingConfig{
		Level:  opts.logLevel,
		Format: "json",
	}).NewComponentLogger("stagehand-sim").Zerolog()

	catalog := &sim.Catalog{}
	if opts.catalog != "" {
		var err error
		if catalog, err = sim.LoadCatalog(opts.catalog); err != nil {
			return err
		}
	}
	if opts.lag >= 0 {
		catalog.FinalizationLag = opts.lag
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ttl)
	defer cancel()

	srv := server.New(sim.NewFromCatalog(catalog), logger).
		WithMetadata("backend", "sim").
		WithMetadata("version", Version)

	logger.Info().Int("artifacts", len(catalog.Artifacts)).Msg("Serving simulator")
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("Executor stopped")
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
