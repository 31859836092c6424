package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/taskerino/taskerino/internal/model"
)

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List every recorded session as its summary projection: media
counts and presence flags instead of the full screenshot and audio arrays.
Works on both the per-entity layout and a not-yet-migrated monolithic
sessions document.

Examples:
  taskerino sessions
  taskerino sessions --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(rootOpts, cmd)
		},
	}
}

func runSessions(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	sessions, err := loadSessions(ctx, h)
	if err != nil {
		return err
	}

	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime < summaries[j].StartTime
	})

	if opts.Format == "json" {
		return f.Success(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded")
		return nil
	}
	for _, s := range summaries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  start=%s screenshots=%d audio=%d video=%t\n",
			s.ID, s.Name, s.StartTime, s.ScreenshotCount, s.AudioSegmentCount, s.HasVideo)
	}
	return nil
}

// loadSessions reads the sessions collection in whichever physical form it
// is in: one file per session, or the pre-split monolithic array.
func loadSessions(ctx context.Context, h sessionLoader) ([]model.Session, error) {
	doc, ok, err := h.Load(ctx, "sessions")
	if err != nil {
		return nil, WrapExitError(ExitFailure, "load sessions", err)
	}
	if ok {
		var sessions []model.Session
		if err := json.Unmarshal(doc, &sessions); err != nil {
			return nil, WrapExitError(ExitFailure, "parse sessions", err)
		}
		return sessions, nil
	}

	entities, err := h.LoadEntities(ctx, "sessions")
	if err != nil {
		return nil, WrapExitError(ExitFailure, "load sessions", err)
	}
	sessions := make([]model.Session, 0, len(entities))
	for id, entityDoc := range entities {
		var s model.Session
		if err := json.Unmarshal(entityDoc, &s); err != nil {
			return nil, WrapExitError(ExitFailure, fmt.Sprintf("parse session %s", id), err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// sessionLoader is the slice of the engine handle loadSessions needs.
type sessionLoader interface {
	Load(ctx context.Context, name string) ([]byte, bool, error)
	LoadEntities(ctx context.Context, name string) (map[string][]byte, error)
}
