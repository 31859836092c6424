package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// StatusResult is the machine-readable status payload.
type StatusResult struct {
	Backend      string   `json:"backend"`
	Degraded     bool     `json:"degraded"`
	FellBack     bool     `json:"fell_back"`
	Recovered    int      `json:"recovered_wal_entries"`
	PendingSaves []string `json:"pending_saves,omitempty"`
	WALEntries   int      `json:"wal_entries"`
	Warnings     []string `json:"warnings,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show storage engine health",
		Long: `Open the storage engine and report its health: the backend in
use, whether a fallback happened, WAL entries replayed during startup, and
any startup warnings.

Examples:
  taskerino status
  taskerino status --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := opts.formatter(cmd)

	h, err := opts.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	status := h.Status()
	report := h.Report()
	result := StatusResult{
		Backend:      string(status.Backend),
		Degraded:     status.Degraded,
		FellBack:     report.FellBack,
		Recovered:    report.Recovered,
		PendingSaves: status.PendingSaves,
		WALEntries:   status.WALEntries,
		Warnings:     report.Warnings,
	}

	if opts.Format == "json" {
		return f.Success(result)
	}

	healthy := !result.Degraded && !result.FellBack && len(result.Warnings) == 0
	state := color.New(color.FgGreen).Sprint("healthy")
	if !healthy {
		state = color.New(color.FgYellow).Sprint("degraded")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "State:     %s\n", state)
	fmt.Fprintf(&b, "Backend:   %s", result.Backend)
	if result.FellBack {
		fmt.Fprintf(&b, " %s", color.New(color.FgYellow).Sprint("(fallback)"))
	}
	fmt.Fprintf(&b, "\nRecovered: %d WAL entries\n", result.Recovered)
	fmt.Fprintf(&b, "Pending:   %d saves\n", len(result.PendingSaves))
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "%s %s\n", color.New(color.FgYellow).Sprint("warning:"), w)
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}
