package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/harness"
	"github.com/roach88/strategyharness/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	FixtureFlags
	Filter   string
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios against a fixture",
		Long: `Run scenarios against one fixture. Arguments are built-in scenario names
or scenario YAML files; with no arguments the whole built-in library runs.
Each scenario runs between a chain snapshot and a revert.

Exit codes:
  0 - All scenarios passed or were skipped
  1 - One or more scenarios failed
  2 - Command error (bad fixture, unknown scenario, unreachable node)

Examples:
  strategyharness run
  strategyharness run lifecycle weird_reverts
  strategyharness run --profile mainnet-convex --filter "emergency_*"
  strategyharness run --fixture ./fork.toml --db ./history.db ./my_scenario.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	opts.FixtureFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern on their name")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record runs in this SQLite database")

	return cmd
}

func runScenarios(opts *RunOptions, args []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	scenarios, err := selectScenarios(args, opts.Filter)
	if err != nil {
		return err
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer st.Close()
	}

	env, err := openEnvironment(ctx, opts.RootOptions, &opts.FixtureFlags)
	if err != nil {
		return err
	}
	defer env.Close()

	runner := harness.NewRunner(env, harness.WithLogger(opts.Logger()))
	summary := Summary{Scenarios: make([]ScenarioReport, 0, len(scenarios))}
	for _, sc := range scenarios {
		f.VerboseLog("running %s", sc.Name)
		res, err := runner.Run(ctx, sc)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario "+sc.Name+" aborted", err)
		}
		report, err := newReport(res)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to report", err)
		}
		if st != nil {
			run, err := st.WriteRun(ctx, env.Backend, res)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to record run", err)
			}
			report.RunID = run.ID
		}
		printReport(f, report)
		summary.add(report)
	}
	return finish(f, summary)
}
