package engine

import (
	"context"
	"time"

	"github.com/roach88/graphsync/internal/metrics"
)

// DefaultRetentionMaxAge is how long a session may go without syncing or
// pushing before retention GC prunes it.
const DefaultRetentionMaxAge = 24 * time.Hour

// GCResult reports what one retention pass removed.
type GCResult struct {
	StaleSessions int64
	Entries       int64
	// Cutoff is the oldest watermark among surviving sessions. Zero when no
	// session survived, in which case no entries were deleted.
	Cutoff time.Time
}

// CollectGarbage prunes the central store in two phases. First, sessions
// whose lastSync and lastUpdate are both older than the retention max age are
// deleted so they no longer pin the cutoff. Then the cutoff is recomputed over the remaining
// sessions and every change-log entry older than it is deleted.
func (e *Engine) CollectGarbage(ctx context.Context) (GCResult, error) {
	if e.closed.Load() {
		return GCResult{}, ErrClosed
	}

	var res GCResult
	staleBefore := e.clock.Now().Add(-e.retentionMaxAge)

	n, err := e.store.DeleteStaleSessions(ctx, staleBefore)
	if err != nil {
		return res, storeUnavailable(e.sessionID, "delete stale sessions", err)
	}
	res.StaleSessions = n
	metrics.GCDeleted.WithLabelValues("sessions").Add(float64(n))

	cutoff, ok, err := e.store.RetentionCutoff(ctx)
	if err != nil {
		return res, storeUnavailable(e.sessionID, "compute retention cutoff", err)
	}
	if !ok {
		e.log.Debugw("retention gc: no live sessions", "stale_sessions", n)
		return res, nil
	}
	res.Cutoff = cutoff

	n, err = e.store.DeleteChangeLogBefore(ctx, cutoff)
	if err != nil {
		return res, storeUnavailable(e.sessionID, "delete change log", err)
	}
	res.Entries = n
	metrics.GCDeleted.WithLabelValues("entries").Add(float64(n))

	if res.StaleSessions > 0 || res.Entries > 0 {
		e.log.Infow("retention gc",
			"stale_sessions", res.StaleSessions,
			"entries", res.Entries,
			"cutoff", cutoff,
		)
	}
	return res, nil
}
