package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
)

type upgradeOptions struct {
	manifest  string
	entity    string
	version   string
	artifact  string
	dangerous bool
	approve   bool
	deploy    bool
	output    string
}

func newUpgradeCommand(opts *globalOptions) *cobra.Command {
	uo := &upgradeOptions{}

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Replace the implementation behind a registered entity",
		Long: `Upgrade deploys a new implementation of a registered entity and repoints its
logical name to it. Pointer-wrapped entities keep their address; callers holding
the pointer see the new implementation.

Stages are recorded per version (DEPLOY_<version>, CHANGE_ADDRESS_<version>), so
an interrupted upgrade resumes without deploying the implementation twice. The
registry refuses a version regression unless --dangerous is given; dangerous
upgrades of persistent environments also need --approve when the policy gate is
enabled.

The artifact and constructor arguments come from the entity's manifest entry
unless --artifact is given.`,
		Example: `  # Upgrade Token to version 2.1.0
  stagehand upgrade -f stack.yaml --entity Token --version 2.1.0

  # Roll back to an older implementation
  stagehand upgrade -f stack.yaml --entity Token --version 2.0.0 --artifact TokenV2 --dangerous --approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpgrade(cmd.Context(), opts, uo, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&uo.manifest, "file", "f", "", "manifest file or CUE directory")
	flags.StringVar(&uo.entity, "entity", "", "logical name to upgrade")
	flags.StringVar(&uo.version, "version", "", "version of the new implementation")
	flags.StringVar(&uo.artifact, "artifact", "", "artifact of the new implementation (default from the manifest)")
	flags.BoolVar(&uo.dangerous, "dangerous", false, "skip the registry version check")
	flags.BoolVar(&uo.approve, "approve", false, "approve a dangerous upgrade")
	flags.BoolVar(&uo.deploy, "deploy", false, "deploy the manifest first (needed for ephemeral environments)")
	flags.StringVarP(&uo.output, "output", "o", outputTable, "output format (table, json, yaml)")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

// request builds the upgrade request from the flags and the manifest entry.
func (uo *upgradeOptions) request(manifest *config.Manifest) (engine.UpgradeRequest, error) {
	req := engine.UpgradeRequest{
		Name:      uo.entity,
		Artifact:  uo.artifact,
		Version:   uo.version,
		Dangerous: uo.dangerous,
		Approved:  uo.approve,
	}
	if manifest == nil {
		return req, nil
	}

	entity, ok := manifest.Entity(uo.entity)
	if !ok {
		return req, fmt.Errorf("entity %s is not declared in %s", uo.entity, manifest.Source)
	}
	if req.Artifact == "" {
		req.Artifact = entity.Artifact
	}
	req.ConstructorArgs = entity.ConstructorArgs
	return req, nil
}

func runUpgrade(ctx context.Context, opts *globalOptions, uo *upgradeOptions, out io.Writer) (err error) {
	if err := checkOutput(uo.output); err != nil {
		return err
	}
	if uo.deploy && uo.manifest == "" {
		return fmt.Errorf("--deploy needs a manifest")
	}

	var manifest *config.Manifest
	if uo.manifest != "" {
		if manifest, err = config.LoadManifest(ctx, uo.manifest); err != nil {
			return err
		}
	}
	req, err := uo.request(manifest)
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

	op := s.operation(ctx, "upgrade")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	p, err := s.pipeline()
	if err != nil {
		return err
	}
	if err := s.start(ctx); err != nil {
		return err
	}

	if uo.deploy {
		if _, err := p.Run(ctx, manifest.Specs()); err != nil {
			return fmt.Errorf("deployment of %s to %s failed: %w", manifest.Name, s.profile.ID, err)
		}
	}

	result, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, req)
	if err != nil {
		return fmt.Errorf("upgrade of %s failed: %w", req.Name, err)
	}

	if ok, err := writeStructured(out, uo.output, result); ok {
		return err
	}
	w := newTable(out)
	fmt.Fprintf(w, "ENTITY\tVERSION\tPREVIOUS\tNEW\tPOINTER\tDANGEROUS\n")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
		result.Name, result.Version, orDash(result.PreviousAddress), result.NewAddress, orDash(result.PointerAddress), result.Dangerous)
	return w.Flush()
}
