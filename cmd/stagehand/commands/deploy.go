package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
)

type deployOptions struct {
	manifest string
	output   string
}

func newDeployCommand(opts *globalOptions) *cobra.Command {
	do := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy every entity of a manifest",
		Long: `Deploy validates the manifest, orders its entities by dependency and runs the
stage chain of each entity: DEPLOY, REGISTER, ALLOW, INITIALIZE and its actions.

Stages already done in the environment's ledger are skipped without any remote
call, so a failed or interrupted deploy is resumed by running it again.`,
		Example: `  # Deploy to the default environment
  stagehand deploy -f stack.yaml

  # Deploy a CUE manifest directory to staging
  stagehand deploy -f ./stack --env staging`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeploy(cmd.Context(), opts, do, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&do.manifest, "file", "f", "", "manifest file or CUE directory")
	cmd.Flags().StringVarP(&do.output, "output", "o", outputTable, "output format (table, json, yaml)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runDeploy(ctx context.Context, opts *globalOptions, do *deployOptions, out io.Writer) (err error) {
	if err := checkOutput(do.output); err != nil {
		return err
	}
	manifest, err := config.LoadManifest(ctx, do.manifest)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, opts, sessionOptions{backend: true, policy: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	op := s.operation(ctx, "deploy")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	p, err := s.pipeline()
	if err != nil {
		return err
	}
	// Validation happens before the executor is started.
	if _, err := p.Plan(ctx, manifest.Specs()); err != nil {
		return err
	}
	if err := s.start(ctx); err != nil {
		return err
	}

	result, err := p.Run(ctx, manifest.Specs())
	if err != nil {
		return fmt.Errorf("deployment of %s to %s failed: %w", manifest.Name, s.profile.ID, err)
	}
	return printRunResult(out, do.output, result)
}

func printRunResult(out io.Writer, format string, result *engine.RunResult) error {
	if ok, err := writeStructured(out, format, result); ok {
		return err
	}

	w := newTable(out)
	fmt.Fprintf(w, "ENTITY\tADDRESS\tIMPLEMENTATION\tPOINTER\n")
	for _, name := range result.Order {
		h := result.Entities[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, orDash(h.Address), orDash(h.DirectAddress), orDash(h.PointerAddress))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nRun %s on %s: %d stages executed, %d skipped, %d recovered\n",
		result.RunID, result.Environment, result.Executed, result.Skipped, result.Recovered)
	return nil
}
