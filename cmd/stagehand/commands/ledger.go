package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func newLedgerCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Export or import an environment's ledger",
		Long: `The ledger subcommands copy a ledger between stores. The exported document is
the same JSON a file store keeps in progress.<env>.json.`,
	}

	cmd.AddCommand(newLedgerExportCommand(opts))
	cmd.AddCommand(newLedgerImportCommand(opts))
	return cmd
}

func newLedgerExportCommand(opts *globalOptions) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the ledger as JSON",
		Example: `  # Move staging from a file store to sqlite
  stagehand ledger export --env staging -o staging.json
  stagehand ledger import --env staging-sqlite -i staging.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLedgerExport(cmd.Context(), opts, outFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newLedgerImportCommand(opts *globalOptions) *cobra.Command {
	var (
		inFile string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the ledger with an exported one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLedgerImport(cmd.Context(), opts, inFile, force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&inFile, "in", "i", "", "exported ledger file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite a non-empty ledger")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func runLedgerExport(ctx context.Context, opts *globalOptions, outFile string, out io.Writer) (err error) {
	s, err := openSession(ctx, opts, sessionOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ledger, err := s.store.Load(ctx, s.profile.ID)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	data, err := engine.EncodeLedger(ledger)
	if err != nil {
		return err
	}

	if outFile == "" {
		_, err = out.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(outFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outFile, err)
	}
	s.logger.Info().Str("file", outFile).Int("entities", len(ledger)).Msg("Ledger exported")
	return nil
}

func runLedgerImport(ctx context.Context, opts *globalOptions, inFile string, force bool, out io.Writer) (err error) {
	data, err := os.ReadFile(inFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", inFile, err)
	}
	ledger, err := engine.DecodeLedger(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", inFile, err)
	}
	for entity, stages := range ledger {
		for stage, rec := range stages {
			if err := rec.Validate(); err != nil {
				return fmt.Errorf("%s/%s: %w", entity, stage, err)
			}
		}
	}

	s, err := openSession(ctx, opts, sessionOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if s.profile.Ephemeral {
		return fmt.Errorf("environment %s is ephemeral and keeps no ledger", s.profile.ID)
	}
	existing, err := s.store.Load(ctx, s.profile.ID)
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	if len(existing) > 0 && !force {
		return fmt.Errorf("ledger of %s has %d entities; use --force to overwrite", s.profile.ID, len(existing))
	}

	if err := s.store.Save(ctx, s.profile.ID, ledger); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	fmt.Fprintf(out, "Imported %d entities into %s\n", len(ledger), s.profile.ID)
	return nil
}
