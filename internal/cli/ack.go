package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/graphsync/internal/store"
)

// AckOptions holds flags for the ack command.
type AckOptions struct {
	*RootOptions
	IDs    []int64
	Before string
}

// AckOutput is the result printed by ack.
type AckOutput struct {
	SessionID    string `json:"session_id"`
	Acknowledged int64  `json:"acknowledged"`
}

// NewAckCommand creates the ack command.
func NewAckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge remote change-log entries",
		Long: `Mark change-log entries written by other sessions as consumed by this
session without pulling them.

Without --ids every unacknowledged remote entry is selected; --ids restricts
the selection to those entry ids. --before (RFC 3339) further restricts it to
entries written at or before that time. This session's own entries are never
touched.

Examples:
  graphsync ack
  graphsync ack --ids 12,13
  graphsync ack --before 2025-03-01T12:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAck(opts, cmd)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.IDs, "ids", nil, "change-log entry ids to acknowledge")
	cmd.Flags().StringVar(&opts.Before, "before", "", "only entries at or before this RFC 3339 time")

	return cmd
}

func runAck(opts *AckOptions, cmd *cobra.Command) error {
	req := store.AckRequest{EntryIDs: opts.IDs}
	if opts.Before != "" {
		before, err := time.Parse(time.RFC3339Nano, opts.Before)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --before", err)
		}
		req.Before = before.UTC()
	}

	f := formatter(cmd, opts.RootOptions)
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *runtime) error {
		n, err := rt.engine.Acknowledge(ctx, req)
		if err != nil {
			return reportFailure(f, "acknowledge failed", err)
		}

		out := AckOutput{SessionID: rt.SessionID(), Acknowledged: n}
		if f.Format == "json" {
			return f.Success(out)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %d entries as session %s\n", out.Acknowledged, out.SessionID)
		return nil
	})
}
