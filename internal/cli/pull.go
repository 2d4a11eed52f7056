package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/graphsync/internal/engine"
)

// PullOutput is the result printed by pull.
type PullOutput struct {
	SessionID    string    `json:"session_id"`
	Entities     int       `json:"entities"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Removed      int       `json:"removed"`
	Degraded     int       `json:"degraded"`
	Acknowledged int64     `json:"acknowledged"`
	Watermark    time.Time `json:"watermark"`
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull remote changes into the local model",
		Long: `Read every entity modified in the central store since this session's
watermark, apply it to the local model snapshot and save the snapshot.

Remote change-log entries up to the start of the pull are acknowledged and
the watermark moves to the pull start time.

Exit codes:
  0 - Pull applied (or nothing to pull)
  1 - Pull failed (e.g. local model locked)
  2 - Command error (store unreachable, etc.)

Examples:
  graphsync pull
  graphsync pull --session alice-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(rootOpts, cmd)
		},
	}
	return cmd
}

func runPull(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(cmd, opts)
	return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
		res, err := rt.engine.Pull(ctx)
		if err != nil {
			return reportFailure(f, "pull failed", err)
		}
		if err := rt.SaveModel(); err != nil {
			return err
		}

		out := pullOutput(rt.SessionID(), res)
		if f.Format == "json" {
			return f.Success(out)
		}
		w := cmd.OutOrStdout()
		if out.Entities == 0 {
			fmt.Fprintf(w, "Nothing to pull for session %s.\n", out.SessionID)
			return nil
		}
		fmt.Fprintf(w, "pulled %d entities as session %s\n", out.Entities, out.SessionID)
		fmt.Fprintf(w, "  created %d, updated %d, removed %d, degraded %d\n",
			out.Created, out.Updated, out.Removed, out.Degraded)
		fmt.Fprintf(w, "  acknowledged: %d\n", out.Acknowledged)
		fmt.Fprintf(w, "  watermark:    %s\n", formatTime(out.Watermark))
		return nil
	})
}

func pullOutput(sessionID string, res engine.PullResult) PullOutput {
	return PullOutput{
		SessionID:    sessionID,
		Entities:     res.Entities,
		Created:      res.Applied.Created,
		Updated:      res.Applied.Updated,
		Removed:      res.Applied.Removed,
		Degraded:     res.Applied.Degraded,
		Acknowledged: res.Acknowledged,
		Watermark:    res.Watermark,
	}
}
