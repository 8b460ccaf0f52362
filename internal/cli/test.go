package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	FixtureFlags
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern on file names)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run a scenario directory with golden trace comparison",
		Long: `Run every scenario file in a directory and compare each trace against
its golden file in <scenarios-dir>/golden/<fixture>.<scenario>.golden.
Scenarios without a golden file are checked by their assertions only.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed or diverged from their golden file
  2 - Command error (invalid paths, etc.)

Examples:
  strategyharness test ./scenarios
  strategyharness test ./scenarios --filter "odds_*"
  strategyharness test ./scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	opts.FixtureFlags.register(cmd)
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	scenarios, err := harness.LoadDir(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}
	if len(scenarios) == 0 {
		if f.JSON() {
			return f.Success(Summary{Scenarios: []ScenarioReport{}})
		}
		f.Printf("No scenarios found.")
		return nil
	}

	env, err := openEnvironment(ctx, opts.RootOptions, &opts.FixtureFlags)
	if err != nil {
		return err
	}
	defer env.Close()

	runner := harness.NewRunner(env, harness.WithLogger(opts.Logger()))
	goldenDir := filepath.Join(dir, "golden")
	summary := Summary{Scenarios: make([]ScenarioReport, 0, len(scenarios))}
	for _, sc := range scenarios {
		res, err := runner.Run(ctx, sc)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario "+sc.Name+" aborted", err)
		}
		report, err := newReport(res)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to report", err)
		}
		if res.Pass {
			checkGolden(&report, res, goldenDir, opts.Update)
		}
		printReport(f, report)
		summary.add(report)
	}
	return finish(f, summary)
}

// goldenPath returns the golden file of a result under dir.
func goldenPath(dir string, res *harness.Result) string {
	return filepath.Join(dir, harness.GoldenName(res)+".golden")
}

// checkGolden compares or rewrites the golden file of a passing result.
func checkGolden(report *ScenarioReport, res *harness.Result, dir string, update bool) {
	data, err := harness.GoldenBytes(res)
	if err != nil {
		report.fail(fmt.Sprintf("golden marshal failed: %v", err))
		return
	}
	path := goldenPath(dir, res)

	if update {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			report.fail(fmt.Sprintf("failed to create golden directory: %v", err))
			return
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			report.fail(fmt.Sprintf("failed to write golden file: %v", err))
			return
		}
		report.Golden = "updated"
		return
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		report.Golden = "missing"
		return
	}
	if err != nil {
		report.fail(fmt.Sprintf("failed to read golden file: %v", err))
		return
	}
	if !bytes.Equal(want, data) {
		report.Golden = "mismatch"
		report.fail("trace does not match golden file (run with --update to regenerate)")
		return
	}
	report.Golden = "match"
}
