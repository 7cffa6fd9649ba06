package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
)

type planOptions struct {
	manifest string
	dot      bool
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	po := &planOptions{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the deployment order of a manifest",
		Long: `Plan validates the manifest and prints the order entities will be deployed in,
grouped by dependency level, with the stages each entity still needs in the
selected environment. No remote call is made.`,
		Example: `  # Show the deployment order
  stagehand plan -f stack.yaml

  # Render the dependency graph
  stagehand plan -f stack.yaml --dot | dot -Tsvg > stack.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlan(cmd.Context(), opts, po, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&po.manifest, "file", "f", "", "manifest file or CUE directory")
	cmd.Flags().BoolVar(&po.dot, "dot", false, "print the dependency graph in DOT format")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runPlan(ctx context.Context, opts *globalOptions, po *planOptions, out io.Writer) (err error) {
	manifest, err := config.LoadManifest(ctx, po.manifest)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, opts, sessionOptions{policy: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p, err := s.pipeline()
	if err != nil {
		return err
	}
	plan, err := p.Plan(ctx, manifest.Specs())
	if err != nil {
		return err
	}

	if po.dot {
		_, err := io.WriteString(out, plan.ToDOT())
		return err
	}

	ledger, err := p.Progress().Load(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Plan for %s on %s (%d entities)\n\n", manifest.Name, s.profile.ID, len(plan.Order))
	w := newTable(out)
	fmt.Fprintf(w, "LEVEL\tENTITY\tDEPENDS ON\tPENDING\n")
	for level, names := range plan.Levels {
		for _, name := range names {
			spec, _ := plan.Entity(name)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", level, name,
				orDash(strings.Join(spec.Dependencies, ",")),
				orDash(strings.Join(pendingStages(ledger, spec), ",")))
		}
	}
	return w.Flush()
}

// pendingStages lists the base stages of spec not yet done in the ledger.
// Stages that may be skipped at run time are listed as well.
func pendingStages(ledger engine.Ledger, spec engine.EntitySpec) []string {
	stages := []string{engine.StageDeploy, engine.StageRegister}
	if spec.Allow {
		stages = append(stages, engine.StageAllow)
	}
	if len(spec.InitArgs) > 0 {
		stages = append(stages, engine.StageInitialize)
	}
	for i, a := range spec.Actions {
		stages = append(stages, engine.ActionStage(i, a.Command))
	}

	var pending []string
	for _, stage := range stages {
		if rec, ok := ledger.Get(spec.Name, stage); !ok || !rec.Done {
			pending = append(pending, stage)
		}
	}
	return pending
}
