package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type resetOptions struct {
	entity string
	stage  string
}

func newResetCommand(opts *globalOptions) *cobra.Command {
	ro := &resetOptions{}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget ledger records so stages run again",
		Long: `Reset removes ledger records of one entity, or of a single stage with --stage,
so the next deploy executes them again. Nothing is changed on the remote
system.`,
		Example: `  # Run every stage of Token again
  stagehand reset --entity Token --env staging

  # Run only Token's INITIALIZE again
  stagehand reset --entity Token --stage INITIALIZE --env staging`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReset(cmd.Context(), opts, ro, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&ro.entity, "entity", "", "entity whose records are removed")
	cmd.Flags().StringVar(&ro.stage, "stage", "", "single stage to remove (default all stages)")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

func runReset(ctx context.Context, opts *globalOptions, ro *resetOptions, out io.Writer) (err error) {
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

	progress := s.progress()
	ledger, err := progress.Load(ctx)
	if err != nil {
		return err
	}
	stages, ok := ledger[ro.entity]
	if !ok {
		return fmt.Errorf("no records for %s in %s", ro.entity, s.profile.ID)
	}
	if ro.stage != "" {
		if _, ok := stages[ro.stage]; !ok {
			return fmt.Errorf("no record for %s/%s in %s", ro.entity, ro.stage, s.profile.ID)
		}
	}

	if err := progress.Reset(ctx, ro.entity, ro.stage); err != nil {
		return err
	}

	removed := len(stages)
	if ro.stage != "" {
		removed = 1
	}
	s.logger.Info().Str("entity", ro.entity).Str("stage", ro.stage).Int("records", removed).Msg("Ledger records removed")
	fmt.Fprintf(out, "Removed %d record(s) of %s from %s\n", removed, ro.entity, s.profile.ID)
	return nil
}
