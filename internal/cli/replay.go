package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/harness"
	"github.com/roach88/strategyharness/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	FixtureFlags
	Database string // optional - compare against recorded runs
	RunID    string // optional - specific recorded run
	Times    int
}

// ReplayResult holds the outcome of a replay.
type ReplayResult struct {
	Scenario      string   `json:"scenario"`
	Fixture       string   `json:"fixture"`
	Pass          bool     `json:"pass"`
	Digests       []string `json:"digests"`
	Deterministic bool     `json:"deterministic"`
	StoredRun     string   `json:"stored_run,omitempty"`
	StoredDigest  string   `json:"stored_digest,omitempty"`
	MatchesStored *bool    `json:"matches_stored,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario>",
		Short: "Run a scenario repeatedly and verify its trace is deterministic",
		Long: `Run one scenario several times on the same environment, each run between
a snapshot and a revert, and compare the trace digests. With --db the
digest is also compared against the latest recorded run of the scenario on
the fixture, or against --run.

The verdict is about determinism only: a scenario that fails the same way
every time replays cleanly.

Exit codes:
  0 - All digests match
  1 - Determinism verification failed (digests differ)
  2 - Command error (unknown scenario, database not found, etc.)

Examples:
  strategyharness replay lifecycle
  strategyharness replay weird_reverts --times 5
  strategyharness replay lifecycle --db ./history.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	opts.FixtureFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Database, "db", "", "compare against runs recorded in this SQLite database")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "recorded run ID to compare against (requires --db)")
	cmd.Flags().IntVar(&opts.Times, "times", 2, "number of runs")

	return cmd
}

func runReplay(opts *ReplayOptions, name string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	if opts.Times < 2 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--times must be at least 2, got %d", opts.Times))
	}
	if opts.RunID != "" && opts.Database == "" {
		return NewExitError(ExitCommandError, "--run requires --db")
	}
	scenarios, err := selectScenarios([]string{name}, "")
	if err != nil {
		return err
	}
	sc := scenarios[0]

	env, err := openEnvironment(ctx, opts.RootOptions, &opts.FixtureFlags)
	if err != nil {
		return err
	}
	defer env.Close()
	runner := harness.NewRunner(env, harness.WithLogger(opts.Logger()))

	result := ReplayResult{Scenario: sc.Name, Fixture: env.Fixture.Name, Pass: true, Deterministic: true}
	for i := range opts.Times {
		res, err := runner.Run(ctx, sc)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario "+sc.Name+" aborted", err)
		}
		digest, err := harness.TraceDigest(res)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to digest trace", err)
		}
		f.VerboseLog("run %d: %s", i+1, digest)
		result.Pass = result.Pass && res.Pass
		if len(result.Digests) > 0 && digest != result.Digests[0] {
			result.Deterministic = false
		}
		result.Digests = append(result.Digests, digest)
	}

	if opts.Database != "" {
		if err := compareStored(opts, &result, cmd); err != nil {
			return err
		}
	}

	ok := result.Deterministic && (result.MatchesStored == nil || *result.MatchesStored)
	if !ok {
		msg := fmt.Sprintf("replay of %s is not deterministic", sc.Name)
		if result.Deterministic {
			msg = fmt.Sprintf("replay of %s differs from recorded run %s", sc.Name, result.StoredRun)
		}
		if err := f.Failure(CodeNonDeterminism, msg, result); err != nil {
			return err
		}
		f.Printf("✗ %s", msg)
		for i, d := range result.Digests {
			f.Printf("  run %d: %s", i+1, d)
		}
		if result.StoredDigest != "" {
			f.Printf("  recorded: %s", result.StoredDigest)
		}
		return NewExitError(ExitFailure, msg)
	}

	if f.JSON() {
		return f.Success(result)
	}
	f.Printf("✓ %s replayed %d times: %s", sc.Name, opts.Times, result.Digests[0])
	if result.MatchesStored != nil {
		f.Printf("  matches recorded run %s", result.StoredRun)
	}
	if !result.Pass {
		f.Printf("  note: the scenario itself fails")
	}
	return nil
}

// compareStored looks up the recorded run and compares its digest. A
// missing latest run is not an error; there is nothing to compare against.
func compareStored(opts *ReplayOptions, result *ReplayResult, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var run store.Run
	if opts.RunID != "" {
		run, err = st.RunByID(ctx, opts.RunID)
	} else {
		run, err = st.LatestRun(ctx, result.Scenario, result.Fixture)
		if errors.Is(err, store.ErrNotFound) {
			opts.formatter(cmd).VerboseLog("no recorded run of %s on %s", result.Scenario, result.Fixture)
			return nil
		}
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load recorded run", err)
	}

	match := run.Digest == result.Digests[0]
	result.StoredRun = run.ID
	result.StoredDigest = run.Digest
	result.MatchesStored = &match
	return nil
}
