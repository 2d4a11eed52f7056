package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// GCOutput is the result printed by gc.
type GCOutput struct {
	StaleSessions int64     `json:"stale_sessions"`
	Entries       int64     `json:"entries"`
	Cutoff        time.Time `json:"cutoff,omitempty"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Prune stale sessions and old change-log entries",
		Long: `Run retention GC against the central store.

Sessions that have neither synced nor pushed within sync.retention_max_age
are removed first. The cutoff is then the oldest watermark among the
remaining sessions, and change-log entries older than the cutoff are deleted.

Examples:
  graphsync gc
  graphsync gc --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(rootOpts, cmd)
		},
	}
	return cmd
}

func runGC(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(cmd, opts)
	return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
		res, err := rt.engine.CollectGarbage(ctx)
		if err != nil {
			return reportFailure(f, "retention gc failed", err)
		}

		out := GCOutput{StaleSessions: res.StaleSessions, Entries: res.Entries, Cutoff: res.Cutoff}
		if f.Format == "json" {
			return f.Success(out)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "pruned %d stale session(s), %d change-log entries\n", out.StaleSessions, out.Entries)
		fmt.Fprintf(w, "  cutoff: %s\n", formatTime(out.Cutoff))
		return nil
	})
}
