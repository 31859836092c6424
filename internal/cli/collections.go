package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// CollectionInfo describes one collection for listing output.
type CollectionInfo struct {
	Name     string `json:"name"`
	Entities int    `json:"entities,omitempty"` // per-entity collections only
}

// NewCollectionsCommand creates the collections command.
func NewCollectionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List stored collections",
		Long: `List every collection known to the store, with entity counts for
collections stored one file per entity.

Examples:
  taskerino collections
  taskerino collections --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollections(rootOpts, cmd)
		},
	}
	return cmd
}

func runCollections(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	names, err := h.List(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "list collections", err)
	}

	infos := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		info := CollectionInfo{Name: name}
		entities, err := h.LoadEntities(ctx, name)
		if err == nil {
			info.Entities = len(entities)
		}
		infos = append(infos, info)
	}

	if opts.Format == "json" {
		return f.Success(infos)
	}
	for _, info := range infos {
		if info.Entities > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d entities)\n", info.Name, info.Entities)
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.Name)
	}
	return nil
}
