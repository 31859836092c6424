package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <collection>",
		Short: "Print a collection's document",
		Long: `Print the raw JSON document of a collection. Per-entity
collections are printed as a JSON object keyed by entity id.

Examples:
  taskerino load tasks
  taskerino load sessions`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runLoad(opts *RootOptions, cmd *cobra.Command, name string) error {
	ctx := context.Background()

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	doc, ok, err := h.Load(ctx, name)
	if err != nil {
		return WrapExitError(ExitFailure, "load collection", err)
	}
	if ok {
		fmt.Fprintln(cmd.OutOrStdout(), string(doc))
		return nil
	}

	entities, err := h.LoadEntities(ctx, name)
	if err != nil {
		return WrapExitError(ExitFailure, "load collection entities", err)
	}
	if len(entities) == 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("collection %q not found", name))
	}
	folded := make(map[string]json.RawMessage, len(entities))
	for id, entityDoc := range entities {
		folded[id] = entityDoc
	}
	out, err := json.MarshalIndent(folded, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "encode entities", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// SaveOptions holds flags for the save command.
type SaveOptions struct {
	*RootOptions
	File     string
	Critical bool
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save <collection>",
		Short: "Write a collection's document from a file or stdin",
		Long: `Replace a collection's document with JSON read from --file (or
stdin when omitted). The write goes through the persistence queue and the
write-ahead log; with --critical it is durable before the command returns.

Examples:
  taskerino save tasks --file tasks.json
  cat tasks.json | taskerino save tasks --critical`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "JSON file to read (default stdin)")
	cmd.Flags().BoolVar(&opts.Critical, "critical", false, "block until the write is durable")
	return cmd
}

func runSave(opts *SaveOptions, cmd *cobra.Command, name string) error {
	ctx := context.Background()

	var payload []byte
	var err error
	if opts.File != "" {
		payload, err = os.ReadFile(opts.File)
	} else {
		payload, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "read document", err)
	}
	if !json.Valid(payload) {
		return NewExitError(ExitCommandError, "document is not valid JSON")
	}

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	if opts.Critical {
		err = h.SaveCritical(ctx, name, payload)
	} else {
		if err = h.Save(name, payload); err == nil {
			// A one-shot process has no later drain opportunity.
			err = h.Flush(ctx, name)
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "save collection", err)
	}

	return opts.formatter(cmd).Success(fmt.Sprintf("saved %s (%d bytes)", name, len(payload)))
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <collection>",
		Short: "Delete a collection",
		Long: `Remove a collection and all of its entities from the store.
Deleting an absent collection succeeds.

Examples:
  taskerino delete scratch`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runDelete(opts *RootOptions, cmd *cobra.Command, name string) error {
	ctx := context.Background()

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	if err := h.Delete(name); err != nil {
		return WrapExitError(ExitFailure, "delete collection", err)
	}
	if err := h.Flush(ctx, name); err != nil {
		return WrapExitError(ExitFailure, "delete collection", err)
	}
	return opts.formatter(cmd).Success(fmt.Sprintf("deleted %s", name))
}
