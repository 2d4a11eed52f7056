package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/metrics"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Pull remote changes automatically until interrupted",
		Long: `Run as a long-lived session: pull once, then poll the central change log
and pull automatically when other sessions write changes.

Notifications arriving within sync.batch_window are coalesced into one pull,
and pulls are at least sync.min_pull_interval apart. When metrics.addr is
set, Prometheus metrics are served on /metrics. The local model snapshot is
saved on shutdown.

Example:
  graphsync watch
  graphsync watch --config ./graphsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, cmd)
		},
	}
	return cmd
}

func runWatch(opts *RootOptions, cmd *cobra.Command) error {
	return withRuntime(cmd, opts, func(parentCtx context.Context, rt *runtime) error {
		ctx, cancel := context.WithCancel(parentCtx)
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			select {
			case sig := <-sigChan:
				rt.log.Infow("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		if addr := rt.cfg.Metrics.Addr; addr != "" {
			rt.sup.Go("metrics", func() error {
				return metrics.Serve(ctx, addr, rt.log.Named("metrics"))
			})
		}
		go logTaskErrors(ctx, rt)

		if _, err := rt.engine.Pull(ctx); err != nil && !engine.IsModelBusy(err) {
			return syncFailure("initial pull failed", err)
		}

		rt.log.Infow("watching for remote changes", "poll_interval", rt.cfg.Sync.PollInterval.Std())
		fmt.Fprintf(cmd.OutOrStdout(), "Watching as session %s. Press Ctrl-C to stop.\n", rt.SessionID())

		watchErr := rt.engine.Watch(ctx)
		cancel()
		if err := rt.SaveModel(); err != nil {
			return err
		}
		if watchErr != nil && !errors.Is(watchErr, context.DeadlineExceeded) {
			return WrapExitError(ExitFailure, "watch stopped", watchErr)
		}

		rt.log.Infow("watch stopped gracefully", "pulls", rt.engine.Scheduler().Pulls())
		return nil
	})
}

// logTaskErrors drains the supervisor's error channel while watching. Each
// failure was already logged when it was reported.
func logTaskErrors(ctx context.Context, rt *runtime) {
	for {
		select {
		case err := <-rt.sup.Errors():
			rt.log.Debugw("background task error drained", "error", err)
		case <-ctx.Done():
			return
		}
	}
}
