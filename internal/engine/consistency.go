package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/graphsync/internal/ir"
)

// CheckConsistency compares the local pending commands against unacknowledged
// change-log entries from other sessions.
//
// The local pending set is a snapshot of the command queue taken on the model
// goroutine through the dispatcher, so it is ordered with local edits and
// pull applies; it is not drained. An entity present on both sides is a
// conflict unless both sides delete it. Red (any conflict) outranks Yellow
// (remote entries exist), which outranks Green.
//
// A Green result with nothing pending locally advances the watermark (when no
// entity changed since it) and runs retention GC.
func (e *Engine) CheckConsistency(ctx context.Context) (ir.ConsistencyReport, error) {
	if e.closed.Load() {
		return ir.ConsistencyReport{}, ErrClosed
	}

	now := e.clock.Now()
	remote, err := e.store.PendingChangeLog(ctx, e.sessionID)
	if err != nil {
		return ir.ConsistencyReport{}, storeUnavailable(e.sessionID, "read pending change log", err)
	}

	var cmds []ir.ChangeCommand
	err = e.dispatcher.Post(ctx, func(context.Context) error {
		cmds = e.queue.Snapshot()
		return nil
	})
	if err != nil {
		return ir.ConsistencyReport{}, fmt.Errorf("read local pending state: %w", err)
	}

	pending := pendingSet(cmds)
	report := ir.ConsistencyReport{
		RemoteCount:  len(remote),
		PendingCount: len(pending),
		Conflicts:    detectConflicts(pending, remote),
		Remote:       remote,
		CheckedAt:    now,
	}

	switch {
	case len(report.Conflicts) > 0:
		report.Status = ir.StatusRed
	case len(remote) > 0:
		report.Status = ir.StatusYellow
	default:
		report.Status = ir.StatusGreen
	}

	if err := e.status.set(ctx, report.Status); err != nil {
		e.log.Warnw("status transition failed", "status", report.Status, "error", err)
	}
	e.log.Debugw("consistency checked",
		"status", report.Status,
		"remote", report.RemoteCount,
		"pending", report.PendingCount,
		"conflicts", len(report.Conflicts),
	)

	if report.Status == ir.StatusGreen && len(pending) == 0 {
		if _, err := e.advanceWatermark(ctx, now, nil); err != nil {
			e.log.Warnw("watermark not advanced after clean check", "error", err)
		}
		if _, err := e.CollectGarbage(ctx); err != nil {
			e.log.Warnw("retention gc failed", "error", err)
		}
	}
	return report, nil
}

// Status returns the classification of the last consistency check, or ""
// before the first one.
func (e *Engine) Status() ir.Status {
	return e.status.current()
}

// pendingSet maps each queued target to the change type of its latest
// command.
func pendingSet(cmds []ir.ChangeCommand) map[string]ir.ChangeType {
	pending := make(map[string]ir.ChangeType, len(cmds))
	for _, c := range cmds {
		pending[c.TargetEntityID] = c.ChangeType
	}
	return pending
}

func detectConflicts(pending map[string]ir.ChangeType, remote []ir.ChangeLogEntry) []ir.Conflict {
	conflicts := []ir.Conflict{}
	seen := make(map[ir.Conflict]bool)
	for _, entry := range remote {
		local, ok := pending[entry.TargetEntityID]
		if !ok {
			continue
		}
		if local == ir.ChangeDelete && entry.ChangeType == ir.ChangeDelete {
			continue
		}
		c := ir.Conflict{
			EntityID:        entry.TargetEntityID,
			Local:           local,
			Remote:          entry.ChangeType,
			RemoteSessionID: entry.SessionID,
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		conflicts = append(conflicts, c)
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].EntityID != conflicts[j].EntityID {
			return conflicts[i].EntityID < conflicts[j].EntityID
		}
		return conflicts[i].RemoteSessionID < conflicts[j].RemoteSessionID
	})
	return conflicts
}
