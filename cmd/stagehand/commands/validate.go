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

type validateOptions struct {
	manifest string
	watch    bool
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	vo := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest against the environment",
		Long: `Validate checks a manifest without contacting the remote system:

  - Schema and field validation (YAML, CUE or Starlark)
  - Unique names, declared dependencies and no cycles
  - @Name references point at the entity or one of its dependencies
  - Pointer-wrapped entities have an admin identity and a registry
  - The environment's policies allow the plan

With --watch the environment's policy directories are watched and the manifest
is validated again after every policy change, until interrupted.`,
		Example: `  # Validate against the default environment
  stagehand validate -f stack.yaml

  # Validate against production policies
  stagehand validate -f ./stack --env production

  # Revalidate while editing policies
  stagehand validate -f stack.yaml --env production --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.Context(), opts, vo, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&vo.manifest, "file", "f", "", "manifest file or CUE directory")
	cmd.Flags().BoolVarP(&vo.watch, "watch", "w", false, "revalidate after every policy change")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runValidate(ctx context.Context, opts *globalOptions, vo *validateOptions, out io.Writer) (err error) {
	manifest, err := config.LoadManifest(ctx, vo.manifest)
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

	if !vo.watch {
		return validatePlan(ctx, s, p, manifest, out)
	}
	if s.policy == nil || len(s.profile.Policy.Dirs) == 0 {
		return fmt.Errorf("--watch needs policy dirs in environment %s", s.profile.ID)
	}
	if err := validatePlan(ctx, s, p, manifest, out); err != nil {
		fmt.Fprintf(out, "invalid: %v\n", err)
	}
	return watchPolicies(ctx, s, p, manifest, out)
}

func validatePlan(ctx context.Context, s *session, p *engine.Pipeline, manifest *config.Manifest, out io.Writer) error {
	plan, err := p.Plan(ctx, manifest.Specs())
	if err != nil {
		return err
	}

	// Non-blocking violations are reported but do not fail validation.
	if s.policy != nil {
		result, err := s.policy.EvaluatePlan(ctx, p.Environment(), plan, s.profile.Admin)
		if err != nil {
			return fmt.Errorf("failed to evaluate policies: %w", err)
		}
		for _, v := range result.Violations {
			fmt.Fprintf(out, "%s: %s [%s/%s] %s\n", v.Severity, orDash(v.Entity), v.Policy, v.Rule, v.Message)
		}
	}

	fmt.Fprintf(out, "%s is valid for %s: %d entities\n", manifest.Name, s.profile.ID, len(plan.Order))
	return nil
}

// watchPolicies validates the manifest again after every policy reload until
// ctx is done.
func watchPolicies(ctx context.Context, s *session, p *engine.Pipeline, manifest *config.Manifest, out io.Writer) error {
	reloaded := make(chan struct{}, 1)
	err := s.policy.Watch(ctx, s.profile.Policy.Dirs, func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}
	fmt.Fprintf(out, "watching %s for policy changes\n", strings.Join(s.profile.Policy.Dirs, ", "))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloaded:
			fmt.Fprintln(out, "policies reloaded")
			if err := validatePlan(ctx, s, p, manifest, out); err != nil {
				fmt.Fprintf(out, "invalid: %v\n", err)
			}
		}
	}
}
