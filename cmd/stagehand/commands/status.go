package commands

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// stageStatus is one ledger record as shown by status.
type stageStatus struct {
	Entity          string `json:"entity" yaml:"entity"`
	Stage           string `json:"stage" yaml:"stage"`
	Done            bool   `json:"done" yaml:"done"`
	Address         string `json:"address,omitempty" yaml:"address,omitempty"`
	PointerAddress  string `json:"pointerAddress,omitempty" yaml:"pointerAddress,omitempty"`
	ConstructorArgs []any  `json:"constructorArgs,omitempty" yaml:"constructorArgs,omitempty"`
	InitArgs        []any  `json:"initArgs,omitempty" yaml:"initArgs,omitempty"`
}

type environmentStatus struct {
	Environment string        `json:"environment" yaml:"environment"`
	Ephemeral   bool          `json:"ephemeral" yaml:"ephemeral"`
	Stages      []stageStatus `json:"stages" yaml:"stages"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger of an environment",
		Long: `Status prints every (entity, stage) record in the environment's ledger with
its done flag and recorded addresses. Unfinished stages are shown with the
metadata recorded when they started.`,
		Example: `  stagehand status --env staging
  stagehand status --env staging --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), opts, output, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, json, yaml)")
	return cmd
}

func runStatus(ctx context.Context, opts *globalOptions, output string, out io.Writer) (err error) {
	if err := checkOutput(output); err != nil {
		return err
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

	ledger, err := s.progress().Load(ctx)
	if err != nil {
		return err
	}

	status := environmentStatus{
		Environment: s.profile.ID,
		Ephemeral:   s.profile.Ephemeral,
		Stages:      statusRows(ledger),
	}
	if ok, err := writeStructured(out, output, status); ok {
		return err
	}

	if len(status.Stages) == 0 {
		fmt.Fprintf(out, "No progress recorded for %s\n", status.Environment)
		return nil
	}
	w := newTable(out)
	fmt.Fprintf(w, "ENTITY\tSTAGE\tDONE\tADDRESS\tPOINTER\n")
	for _, row := range status.Stages {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", row.Entity, row.Stage, row.Done, orDash(row.Address), orDash(row.PointerAddress))
	}
	return w.Flush()
}

// statusRows flattens a ledger sorted by entity, then stage.
func statusRows(ledger engine.Ledger) []stageStatus {
	rows := make([]stageStatus, 0, len(ledger))
	for _, entity := range slices.Sorted(maps.Keys(ledger)) {
		stages := ledger[entity]
		for _, stage := range slices.Sorted(maps.Keys(stages)) {
			rec := stages[stage]
			rows = append(rows, stageStatus{
				Entity:          entity,
				Stage:           stage,
				Done:            rec.Done,
				Address:         rec.Address,
				PointerAddress:  rec.PointerAddress,
				ConstructorArgs: rec.ConstructorArgs,
				InitArgs:        rec.InitArgs,
			})
		}
	}
	return rows
}
