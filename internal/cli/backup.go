package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskerino/taskerino/internal/backup"
)

// SnapshotInfo is the listing payload for one snapshot.
type SnapshotInfo struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Reason      string    `json:"reason"`
	Collections int       `json:"collections"`
}

// NewBackupCommand creates the backup command group.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage snapshots of the data store",
	}
	cmd.AddCommand(newBackupCreateCommand(rootOpts))
	cmd.AddCommand(newBackupListCommand(rootOpts))
	cmd.AddCommand(newBackupRestoreCommand(rootOpts))
	cmd.AddCommand(newBackupPruneCommand(rootOpts))
	return cmd
}

func newBackupCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Take a snapshot now",
		Long: `Flush pending writes and take a manual snapshot of every
collection.

Examples:
  taskerino backup create`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			h, err := rootOpts.openEngine(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer h.Close(ctx)

			snap, err := h.CreateBackup(ctx, backup.ReasonManual)
			if err != nil {
				return WrapExitError(ExitFailure, "create backup", err)
			}

			f := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				return f.Success(snap)
			}
			return f.Success(fmt.Sprintf("created snapshot %s (%d collections)", snap.ID, len(snap.Manifest)))
		},
	}
}

func newBackupListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Long: `List all snapshots under the backup namespace. Directories left
by crashed snapshot attempts are skipped.

Examples:
  taskerino backup list
  taskerino backup list --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			h, err := rootOpts.openEngine(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer h.Close(ctx)

			snaps, err := h.Backups().List(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "list backups", err)
			}

			infos := make([]SnapshotInfo, 0, len(snaps))
			for _, snap := range snaps {
				infos = append(infos, SnapshotInfo{
					ID:          snap.ID,
					CreatedAt:   snap.CreatedAt,
					Reason:      string(snap.Reason),
					Collections: len(snap.Manifest),
				})
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(infos)
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-8s  %d collections\n",
					info.ID, info.CreatedAt.Format(time.RFC3339), info.Reason, info.Collections)
			}
			return nil
		},
	}
}

func newBackupRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Overwrite the store with a snapshot",
		Long: `Replace every collection with the snapshot's content. This is
destructive: collections created after the snapshot are deleted. Requires
--yes to confirm.

Examples:
  taskerino backup restore 0190f0a2-... --yes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "restore is destructive; re-run with --yes to confirm")
			}

			ctx := context.Background()
			h, err := rootOpts.openEngine(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer h.Close(ctx)

			if err := h.RestoreBackup(ctx, args[0]); err != nil {
				return WrapExitError(ExitFailure, "restore backup", err)
			}
			return rootOpts.formatter(cmd).Success(
				color.New(color.FgGreen).Sprintf("restored snapshot %s", args[0]))
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive restore")
	return cmd
}

func newBackupPruneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove snapshots past the retention horizon",
		Long: `Remove snapshots older than the configured retention horizon.
The newest snapshot is always kept.

Examples:
  taskerino backup prune`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			h, err := rootOpts.openEngine(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer h.Close(ctx)

			pruned, err := h.Backups().PruneExpired(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "prune backups", err)
			}
			return rootOpts.formatter(cmd).Success(fmt.Sprintf("pruned %d snapshots", pruned))
		},
	}
}
