// Package cli implements the taskerino maintenance commands: inspecting
// engine status, reading and writing collections, and managing backups and
// recovery from the command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskerino/taskerino/internal/config"
	"github.com/taskerino/taskerino/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the taskerino CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "taskerino",
		Short: "Taskerino storage engine maintenance tool",
		Long:  "Inspect and maintain the local taskerino data store: collections, backups, and crash recovery.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ~/.taskerino/config.yaml)")

	// Add subcommands
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCollectionsCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the OutputFormatter for a command invocation.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openEngine loads the config and brings up the storage engine. Engine logs
// go to stderr; at default verbosity only warnings and up are shown so text
// and JSON output stay clean.
func (o *RootOptions) openEngine(ctx context.Context, errWriter io.Writer) (*engine.Handle, error) {
	path := o.ConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "cannot locate config", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot load config", err)
	}

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errWriter, &slog.HandlerOptions{Level: level}))

	h, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cannot open storage engine", err)
	}
	return h, nil
}

// Execute runs the root command and returns its exit code.
func Execute() int {
	cmd := NewRootCommand()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
