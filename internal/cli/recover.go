package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RecoverResult is the machine-readable recovery payload.
type RecoverResult struct {
	Recovered  int      `json:"recovered_wal_entries"`
	WALEntries int      `json:"remaining_wal_entries"`
	Warnings   []string `json:"warnings,omitempty"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the write-ahead log",
		Long: `Open the storage engine, which replays any write-ahead log
entries left by a crash, and report what was recovered. Corrupt entries are
skipped; a non-empty remaining count means some entries could not be
applied and will be retried next run.

Examples:
  taskerino recover
  taskerino recover --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	result := RecoverResult{
		Recovered: h.Report().Recovered,
		Warnings:  h.Report().Warnings,
	}
	if h.Status().WALEntries > 0 {
		// Startup already tried once; give the leftovers one more pass
		// before reporting failure.
		applied, err := h.RecoverFromWAL(ctx)
		result.Recovered += applied
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		}
	}
	result.WALEntries = h.Status().WALEntries

	if opts.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d WAL entries\n", result.Recovered)
		if result.WALEntries > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries could not be applied and remain in the log\n",
				color.New(color.FgYellow).Sprint("warning:"), result.WALEntries)
		}
	}

	if result.WALEntries > 0 {
		return NewExitError(ExitFailure, "recovery incomplete")
	}
	return nil
}
