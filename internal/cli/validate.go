package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/harness"
)

// Kinds of file the validate command checks.
const (
	KindScenario = "scenario"
	KindFixture  = "fixture"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	File   string   `json:"file"`
	Kind   string   `json:"kind"`
	Name   string   `json:"name,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a scenario or fixture file without running it",
		Long: `Parse and validate a scenario YAML file, or with --kind fixture a
fixture file (.yaml, .toml or .cue). Unknown fields are rejected.

Exit codes:
  0 - The file is valid
  1 - The file is invalid
  2 - Command error (file not found, unknown kind)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, kind, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", KindScenario, "file kind (scenario|fixture)")

	return cmd
}

func runValidate(opts *RootOptions, kind, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if kind != KindScenario && kind != KindFixture {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid kind %q: must be %s or %s", kind, KindScenario, KindFixture))
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("file not found: %s", path))
	}

	result := ValidationResult{File: path, Kind: kind}
	var err error
	switch kind {
	case KindScenario:
		var sc *harness.Scenario
		if sc, err = harness.LoadScenario(path); err == nil {
			result.Name = sc.Name
		}
	case KindFixture:
		err = validateFixture(path, &result)
	}

	if err != nil {
		result.Errors = splitErrors(err)
		if e := f.Failure(CodeInvalid, "validation failed", result); e != nil {
			return e
		}
		f.Printf("✗ %s", path)
		for _, msg := range result.Errors {
			f.Printf("  %s", msg)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%s is invalid", path))
	}

	result.Valid = true
	if f.JSON() {
		return f.Success(result)
	}
	f.Printf("✓ %s is a valid %s (%s)", path, kind, result.Name)
	return nil
}

// validateFixture checks a fixture file without env overrides.
func validateFixture(path string, result *ValidationResult) error {
	fx, err := fixture.LoadFile(path)
	if err != nil {
		return err
	}
	fx.ApplyDefaults()
	result.Name = fx.Name
	return fx.Validate()
}

// splitErrors turns an errors.Join result into one message per line.
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
