package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Scenario string
	Fixture  string
	Limit    int
}

// HistoryEntry is one stored run as printed by history.
type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Scenario  string    `json:"scenario"`
	Fixture   string    `json:"fixture"`
	Backend   string    `json:"backend"`
	Pass      bool      `json:"pass"`
	Skipped   bool      `json:"skipped,omitempty"`
	Digest    string    `json:"digest"`
	Errors    []string  `json:"errors,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Steps     int       `json:"steps"`
	Harvests  int       `json:"harvests"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded scenario runs",
		Long: `List runs recorded with "run --db", newest first.

Examples:
  strategyharness history --db ./history.db
  strategyharness history --db ./history.db --scenario lifecycle --limit 5`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "only runs of this scenario")
	cmd.Flags().StringVar(&opts.Fixture, "fixture-name", "", "only runs on the fixture with this name")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 for all)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.RunFilter{Scenario: opts.Scenario, Fixture: opts.Fixture, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	entries := make([]HistoryEntry, 0, len(runs))
	for _, run := range runs {
		steps, err := st.StepsForRun(ctx, run.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read steps", err)
		}
		harvests, err := st.HarvestsForRun(ctx, run.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read harvests", err)
		}
		entries = append(entries, HistoryEntry{
			Seq:       run.Seq,
			ID:        run.ID,
			Scenario:  run.Scenario,
			Fixture:   run.Fixture,
			Backend:   run.Backend,
			Pass:      run.Pass,
			Skipped:   run.Skipped,
			Digest:    run.Digest,
			Errors:    run.Errors,
			CreatedAt: run.CreatedAt,
			Steps:     len(steps),
			Harvests:  len(harvests),
		})
	}

	if f.JSON() {
		return f.Success(entries)
	}
	if len(entries) == 0 {
		f.Printf("No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSCENARIO\tFIXTURE\tBACKEND\tRESULT\tHARVESTS\tDIGEST\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Seq, e.Scenario, e.Fixture, e.Backend, resultLabel(e), e.Harvests, e.Digest[:12], e.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func resultLabel(e HistoryEntry) string {
	switch {
	case !e.Pass:
		return "fail"
	case e.Skipped:
		return "skip"
	default:
		return "pass"
	}
}
