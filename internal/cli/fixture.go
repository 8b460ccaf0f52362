package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strategyharness/internal/fixture"
)

// NewFixtureCommand creates the fixture command group.
func NewFixtureCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Inspect fixtures",
	}
	cmd.AddCommand(newFixtureShowCommand(rootOpts))
	cmd.AddCommand(newFixtureListCommand(rootOpts))
	return cmd
}

func newFixtureShowCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &FixtureFlags{}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved fixture",
		Long: `Print the fixture a run would use after env overrides (HARNESS_*) and
defaults are applied.

Examples:
  strategyharness fixture show
  strategyharness fixture show --profile mainnet-convex --format json
  HARNESS_AMOUNT=1_000e18 strategyharness fixture show`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fx, err := flags.resolve()
			if err != nil {
				return err
			}
			f := rootOpts.formatter(cmd)
			if f.JSON() {
				return f.Success(fx)
			}
			out, err := yaml.Marshal(fx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to render fixture", err)
			}
			fmt.Fprint(f.Writer, string(out))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newFixtureListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the built-in fixture profiles",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			profiles := fixture.Profiles()
			if f.JSON() {
				return f.Success(profiles)
			}
			for _, p := range profiles {
				if p == fixture.DefaultProfile {
					f.Printf("%s (default)", p)
					continue
				}
				f.Printf("%s", p)
			}
			return nil
		},
	}
}
