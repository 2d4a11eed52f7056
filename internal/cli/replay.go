package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Push failed batches again from the change cache",
		Long: `Re-submit this session's change-cache records that are marked failed, in
the order they were staged, and push them as one batch.

Records whose payload no longer matches the digest taken at staging time are
skipped. Replayed records end up committed or failed again with the batch.

Exit codes:
  0 - Batch committed (or nothing to replay)
  1 - Batch aborted again
  2 - Command error (cache disabled, store unreachable, etc.)

Examples:
  graphsync replay
  graphsync replay --session alice-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(cmd, opts)
	return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
		if rt.cache == nil {
			return NewExitError(ExitCommandError, "replay needs cache.dir to be configured")
		}

		res, err := rt.engine.Replay(ctx)
		if err != nil {
			return reportFailure(f, "replay failed", err)
		}

		out := pushOutput(rt, res)
		if f.Format == "json" {
			return f.Success(out)
		}
		writePushText(cmd.OutOrStdout(), "replayed", out)
		return nil
	})
}
