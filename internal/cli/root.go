package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	LogFile string // rotated log file; empty logs to stderr

	logger  *slog.Logger
	logSink io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the strategy harness CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "strategyharness",
		Short: "Scenario harness for Yearn vault strategies",
		Long: `Run scripted deposit, harvest, emergency-exit and migration scenarios
against a Curve/Convex strategy attached to a Yearn v2 vault, either on the
built-in simulated chain or on a forked node over JSON-RPC.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.setupLogger(cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.closeLogger()
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewFixtureCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// setupLogger builds the slog handler: JSON when --format json, debug level
// with --verbose, lumberjack rotation with --log-file. Without --verbose or
// --log-file only warnings reach stderr.
func (o *RootOptions) setupLogger(stderr io.Writer) {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	w := stderr
	if o.LogFile != "" {
		sink := &lumberjack.Logger{
			Filename:   o.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		o.logSink = sink
		w = sink
		if !o.Verbose {
			level = slog.LevelInfo
		}
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, hopts)
	if o.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	}
	o.logger = slog.New(h)
}

func (o *RootOptions) closeLogger() error {
	if o.logSink == nil {
		return nil
	}
	err := o.logSink.Close()
	o.logSink = nil
	return err
}

// Logger returns the command logger. Commands built without the root
// command discard logs.
func (o *RootOptions) Logger() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
