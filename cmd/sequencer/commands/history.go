package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sequencer/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
		offset int
		events bool
		remove bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `List the runs recorded in the run history, most recent first.

With a run id, show the executions of that run as a tree, and optionally its
events.`,
		Example: `  # List the last runs
  sequencer history

  # Show one run with its events
  sequencer history 3f1c... --events

  # Delete a run
  sequencer history 3f1c... --delete`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if dbPath != "" {
				settings.Store.Path = dbPath
			}
			if settings.Store.Disabled {
				return fmt.Errorf("run history is disabled")
			}
			store, err := openStore(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				return listRuns(cmd.Context(), out, store, limit, offset)
			}
			if remove {
				if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted run %s\n", args[0])
				return nil
			}
			return showRun(cmd.Context(), out, store, args[0], events)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "run history database path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().BoolVar(&events, "events", false, "include the events of the run")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the run")

	return cmd
}

func listRuns(ctx context.Context, out io.Writer, store stores.Store, limit, offset int) error {
	runs, err := store.ListRuns(ctx, limit, offset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tDOCUMENT\tORDERS\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Document, r.Orders, r.Status,
			humanize.Time(r.StartedAt), formatDuration(r.Duration(), r.Status.Finished()))
	}
	return tw.Flush()
}

type runDetails struct {
	*stores.Run
	Executions []*stores.Execution `json:"executions"`
	Events     []*stores.Event     `json:"events,omitempty"`
}

func showRun(ctx context.Context, out io.Writer, store stores.Store, id string, withEvents bool) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	execs, err := store.ListExecutions(ctx, id)
	if err != nil {
		return err
	}
	details := runDetails{Run: run, Executions: execs}
	if withEvents {
		if details.Events, err = store.GetEvents(ctx, &id, nil, -1, 0); err != nil {
			return err
		}
	}
	if jsonOutput {
		return writeJSON(out, details)
	}

	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Document: %s", run.Document)
	if run.Path != "" {
		fmt.Fprintf(out, " (%s)", run.Path)
	}
	fmt.Fprintf(out, "\nOrders:   %s\n", run.Orders)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Started:  %s (%s)\n", run.StartedAt.Local().Format(time.RFC3339), humanize.Time(run.StartedAt))
	fmt.Fprintf(out, "Duration: %s\n", formatDuration(run.Duration(), run.Status.Finished()))
	if run.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", firstLine(*run.Error))
	}

	fmt.Fprintln(out, "\nExecutions:")
	printTree(out, execs)

	if withEvents {
		fmt.Fprintln(out, "\nEvents:")
		for _, e := range details.Events {
			fmt.Fprintf(out, "  %s %-7s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Message)
		}
	}
	return nil
}

// printTree prints executions indented under their parents, in start order.
func printTree(out io.Writer, execs []*stores.Execution) {
	children := make(map[string][]*stores.Execution)
	var roots []*stores.Execution
	for _, e := range execs {
		if e.ParentID == nil {
			roots = append(roots, e)
			continue
		}
		children[*e.ParentID] = append(children[*e.ParentID], e)
	}

	var walk func(e *stores.Execution, level int)
	walk = func(e *stores.Execution, level int) {
		label := e.Kind + " " + e.Name
		if e.Target != "" {
			label += " " + e.Target
		}
		fmt.Fprintf(out, "%s%-*s %s %s\n", strings.Repeat("  ", level+1), 40-2*level, label,
			e.Status, formatDuration(execDuration(e), e.Status.Finished()))
		if e.Error != nil && len(children[e.ID]) == 0 {
			fmt.Fprintf(out, "%s  %s\n", strings.Repeat("  ", level+1), firstLine(*e.Error))
		}
		for _, c := range children[e.ID] {
			walk(c, level+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}

func execDuration(e *stores.Execution) time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

func formatDuration(d time.Duration, finished bool) string {
	if !finished {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
