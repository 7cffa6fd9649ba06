package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/stores"
)

type historyOptions struct {
	run    string
	limit  int
	offset int
	all    bool
	output string
}

type runHistory struct {
	Run    *stores.Run     `json:"run" yaml:"run"`
	Events []*stores.Event `json:"events" yaml:"events"`
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	ho := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs and their events",
		Long: `History lists deploy and upgrade runs recorded by a sqlite store, newest first.
With --run it prints the events of one run.`,
		Example: `  stagehand history --env staging
  stagehand history --env staging --run 01J9Z3W6K8Q5R2M7N4P0T1V3X5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryCommand(cmd.Context(), opts, ho, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&ho.run, "run", "", "show the events of this run")
	flags.IntVar(&ho.limit, "limit", 20, "maximum number of runs")
	flags.IntVar(&ho.offset, "offset", 0, "runs to skip")
	flags.BoolVar(&ho.all, "all", false, "list runs of every environment in the store")
	flags.StringVarP(&ho.output, "output", "o", outputTable, "output format (table, json, yaml)")
	return cmd
}

func runHistoryCommand(ctx context.Context, opts *globalOptions, ho *historyOptions, out io.Writer) (err error) {
	if err := checkOutput(ho.output); err != nil {
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

	history, ok := s.store.(stores.HistoryStore)
	if !ok {
		return fmt.Errorf("environment %s uses a %s store; run history needs sqlite", s.profile.ID, s.profile.Store.Kind)
	}

	if ho.run != "" {
		return printRunEvents(ctx, history, ho, out)
	}

	env := s.profile.ID
	if ho.all {
		env = ""
	}
	runs, err := history.ListRuns(ctx, env, ho.limit, ho.offset)
	if err != nil {
		return err
	}
	if ok, err := writeStructured(out, ho.output, runs); ok {
		return err
	}

	w := newTable(out)
	fmt.Fprintf(w, "RUN\tENV\tKIND\tSTATUS\tEXECUTED\tSKIPPED\tSTARTED\tCOMPLETED\n")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Environment, orDash(r.Kind), r.Status, r.Executed, r.Skipped,
			formatTime(r.StartedAt), formatTimePtr(r.CompletedAt))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal: %d runs", len(runs))
	if ho.offset > 0 {
		fmt.Fprintf(out, " (showing from offset %d)", ho.offset)
	}
	fmt.Fprintln(out)
	return nil
}

func printRunEvents(ctx context.Context, history stores.HistoryStore, ho *historyOptions, out io.Writer) error {
	run, err := history.GetRun(ctx, ho.run)
	if err != nil {
		return err
	}
	events, err := history.ListEvents(ctx, ho.run)
	if err != nil {
		return err
	}
	rh := runHistory{Run: run, Events: events}
	if ok, err := writeStructured(out, ho.output, rh); ok {
		return err
	}

	w := newTable(out)
	fmt.Fprintf(w, "TIME\tLEVEL\tTYPE\tENTITY\tSTAGE\tMESSAGE\n")
	for _, e := range events {
		entity, stage := "-", "-"
		if e.Entity != nil {
			entity = *e.Entity
		}
		if e.Stage != nil {
			stage = *e.Stage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", formatTime(e.Timestamp), e.Level, e.Type, entity, stage, e.Message)
	}
	return w.Flush()
}
