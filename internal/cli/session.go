package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/store"
)

// sessionFile remembers the generated session id inside the watermark
// directory so consecutive commands run as the same session.
const sessionFile = "session"

// resolveSessionID returns the remembered session id in dir, generating and
// recording one for user on first use.
func resolveSessionID(dir, user string) (string, error) {
	path := filepath.Join(dir, sessionFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	id := engine.NewSessionID(user, engine.UUIDv7Generator{})
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}

// SessionOptions holds flags for the session command.
type SessionOptions struct {
	*RootOptions
	All   bool
	Reset bool
}

// SessionInfo describes one session for output.
type SessionInfo struct {
	ID             string    `json:"id"`
	Watermark      time.Time `json:"watermark,omitempty"`
	Registered     bool      `json:"registered"`
	LastSyncTime   time.Time `json:"last_sync_time,omitempty"`
	LastUpdateTime time.Time `json:"last_update_time,omitempty"`
}

// NewSessionCommand creates the session command.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the local session and its watermark",
		Long: `Show the session id this workspace syncs as, its local watermark, and the
last sync/update times recorded in the central store.

With --all, list every session registered in the central store instead.
With --reset, forget the session's local watermark so the next pull reads
from the global fallback.

Examples:
  graphsync session
  graphsync session --all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "list every session in the central store")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "reset the local watermark of this session")

	return cmd
}

func runSession(opts *SessionOptions, cmd *cobra.Command) error {
	f := formatter(cmd, opts.RootOptions)
	return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *runtime) error {
		if opts.All {
			sessions, err := rt.store.ListSessions(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list sessions", err)
			}
			infos := make([]SessionInfo, 0, len(sessions))
			for _, s := range sessions {
				infos = append(infos, SessionInfo{
					ID:             s.ID,
					Registered:     true,
					LastSyncTime:   s.LastSyncTime,
					LastUpdateTime: s.LastUpdateTime,
				})
			}
			if f.Format == "json" {
				return f.Success(infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions registered.")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  last sync %s  last update %s\n",
					info.ID, formatTime(info.LastSyncTime), formatTime(info.LastUpdateTime))
			}
			return nil
		}

		id := rt.SessionID()
		if opts.Reset {
			if err := rt.watermarks.Reset(id); err != nil {
				return WrapExitError(ExitCommandError, "failed to reset watermark", err)
			}
			f.VerboseLog("watermark reset for %s", id)
		}

		info, err := describeSession(ctx, rt, id)
		if err != nil {
			return err
		}
		if f.Format == "json" {
			return f.Success(info)
		}
		writeSessionText(cmd.OutOrStdout(), info)
		return nil
	})
}

func describeSession(ctx context.Context, rt *runtime, id string) (SessionInfo, error) {
	wm, err := rt.engine.Watermark()
	if err != nil {
		return SessionInfo{}, WrapExitError(ExitCommandError, "failed to read watermark", err)
	}
	info := SessionInfo{ID: id, Watermark: wm}

	central, err := rt.store.ReadSession(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return SessionInfo{}, WrapExitError(ExitCommandError, "failed to read session", err)
	default:
		info.Registered = true
		info.LastSyncTime = central.LastSyncTime
		info.LastUpdateTime = central.LastUpdateTime
	}
	return info, nil
}

func writeSessionText(w io.Writer, info SessionInfo) {
	fmt.Fprintf(w, "session:     %s\n", info.ID)
	fmt.Fprintf(w, "watermark:   %s\n", formatTime(info.Watermark))
	if !info.Registered {
		fmt.Fprintln(w, "central:     not registered (nothing pushed yet)")
		return
	}
	fmt.Fprintf(w, "last sync:   %s\n", formatTime(info.LastSyncTime))
	fmt.Fprintf(w, "last update: %s\n", formatTime(info.LastUpdateTime))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
