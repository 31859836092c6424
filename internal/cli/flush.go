package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// FlushResult is the machine-readable flush payload.
type FlushResult struct {
	Flushed []string `json:"flushed_collections"`
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush [collection...]",
		Short: "Drain pending writes to the store",
		Long: `Force the named collections (all pending ones when none are
named) through the persistence queue and wait until they are durable.

Examples:
  taskerino flush
  taskerino flush tasks notes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(rootOpts, cmd, args)
		},
	}
}

func runFlush(opts *RootOptions, cmd *cobra.Command, collections []string) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	pending := h.Status().PendingSaves
	if pending == nil {
		pending = []string{}
	}
	if err := h.Flush(ctx, collections...); err != nil {
		return WrapExitError(ExitFailure, "flush pending writes", err)
	}

	if opts.Format == "json" {
		return f.Success(FlushResult{Flushed: pending})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d pending collections\n", len(pending))
	return nil
}
