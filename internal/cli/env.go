package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/harness"
)

// FixtureFlags select the fixture of a command.
type FixtureFlags struct {
	Path    string
	Profile string
}

func (f *FixtureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Path, "fixture", "", "fixture file (.yaml, .toml or .cue)")
	cmd.Flags().StringVar(&f.Profile, "profile", "", "built-in fixture profile (default "+fixture.DefaultProfile+")")
}

func (f *FixtureFlags) resolve() (*fixture.Fixture, error) {
	fx, err := fixture.Resolve(f.Path, f.Profile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load fixture", err)
	}
	return fx, nil
}

// openEnvironment resolves the fixture and deploys or attaches its
// environment.
func openEnvironment(ctx context.Context, opts *RootOptions, flags *FixtureFlags) (*deploy.Environment, error) {
	fx, err := flags.resolve()
	if err != nil {
		return nil, err
	}
	opts.Logger().Info("building environment", "fixture", fx.Name, "backend", fx.Chain.Backend)
	env, err := deploy.New(ctx, fx, opts.Logger())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build environment", err)
	}
	return env, nil
}

// selectScenarios maps arguments to scenarios. An argument naming an
// existing file or ending in .yaml/.yml is loaded from disk; anything else
// is a built-in name. No arguments select the whole built-in library.
func selectScenarios(args []string, filter string) ([]*harness.Scenario, error) {
	var scenarios []*harness.Scenario
	if len(args) == 0 {
		all, err := harness.Builtins()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load built-in scenarios", err)
		}
		scenarios = all
	}
	for _, arg := range args {
		var (
			sc  *harness.Scenario
			err error
		)
		if isScenarioFile(arg) {
			sc, err = harness.LoadScenario(arg)
		} else {
			sc, err = harness.Builtin(arg)
		}
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		scenarios = append(scenarios, sc)
	}
	scenarios, err := harness.Filter(scenarios, filter)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to filter scenarios", err)
	}
	return scenarios, nil
}

func isScenarioFile(arg string) bool {
	if ext := strings.ToLower(filepath.Ext(arg)); ext == ".yaml" || ext == ".yml" {
		return true
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}
