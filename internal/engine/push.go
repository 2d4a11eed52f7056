package engine

import (
	"context"
	"time"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/metrics"
	"github.com/roach88/graphsync/internal/store"
	"github.com/roach88/graphsync/internal/validation"
)

// PushResult reports the outcome of one push.
type PushResult struct {
	// Skipped is set when another push was in flight; nothing was drained.
	Skipped bool
	// Commands is the number of commands in the batch.
	Commands int
	// EntryIDs are the change-log entry ids written, in command order.
	EntryIDs []int64
	// Watermark is the local watermark after the push.
	Watermark time.Time
	// WatermarkAdvanced reports whether the push moved the watermark.
	WatermarkAdvanced bool
}

// Push drains the command queue and commits the batch to the central store
// in a single transaction.
//
// At most one push runs at a time; a call made while one is in flight
// returns immediately with Skipped set. A failure of any command rolls back
// the whole batch. Drained commands are not put back on the queue; their
// cache records are marked failed and can be replayed.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	if e.closed.Load() {
		return PushResult{}, ErrClosed
	}
	if !e.pushSem.TryAcquire(1) {
		metrics.PushTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		e.log.Debugw("push skipped; another push is in flight")
		return PushResult{Skipped: true}, nil
	}
	defer e.pushSem.Release(1)

	cmds := e.queue.DrainAll()
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	if len(cmds) == 0 {
		return PushResult{}, nil
	}
	return e.pushBatch(ctx, cmds, nil)
}

// pushBatch stages cmds in the change cache (unless refs already name their
// records) and commits them. Callers hold pushSem.
func (e *Engine) pushBatch(ctx context.Context, cmds []ir.ChangeCommand, refs []string) (PushResult, error) {
	began := time.Now()
	if refs == nil {
		refs = e.stage(cmds)
	}

	res := PushResult{Commands: len(cmds)}
	now, ids, err := e.commitBatch(ctx, cmds, refs)
	metrics.PushDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		e.markCache(ir.CacheFailed, refs)
		metrics.PushTotal.WithLabelValues(resultLabel(err)).Inc()
		e.log.Errorw("push failed", "commands", len(cmds), "error", err)
		return res, err
	}
	res.EntryIDs = ids

	e.markCache(ir.CacheCommitted, refs)
	metrics.PushTotal.WithLabelValues(metrics.ResultOK).Inc()
	metrics.PushCommands.Add(float64(len(cmds)))

	targets := targetIDs(cmds)
	wm, err := e.advanceWatermark(ctx, now, targets)
	if err != nil {
		// The batch is committed; a stale watermark only costs a redundant pull.
		e.log.Warnw("watermark not advanced after push", "error", err)
	}
	res.Watermark = wm
	res.WatermarkAdvanced = wm.Equal(now)

	e.log.Infow("pushed",
		"commands", len(cmds),
		"entries", len(ids),
		"watermark", wm,
	)

	if _, err := e.CollectGarbage(ctx); err != nil {
		e.log.Warnw("retention gc failed", "error", err)
	}
	e.triggerValidation(ctx, targets)
	return res, nil
}

// commitBatch runs the push transaction and returns its timestamp and the
// change-log entry ids.
func (e *Engine) commitBatch(ctx context.Context, cmds []ir.ChangeCommand, refs []string) (time.Time, []int64, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return time.Time{}, nil, storeUnavailable(e.sessionID, "begin transaction", err)
	}
	defer tx.Rollback()

	now := e.clock.Now()
	wm, err := e.watermarks.Load(e.sessionID)
	if err != nil {
		e.log.Warnw("watermark unreadable; registering session with zero watermark", "error", err)
		wm = time.Time{}
	}
	if err := tx.UpsertSession(ctx, e.sessionID, wm, now); err != nil {
		return now, nil, storeUnavailable(e.sessionID, "upsert session", err)
	}

	ids := make([]int64, 0, len(cmds))
	for i, cmd := range cmds {
		id, err := e.applyCommand(ctx, tx, cmd, refs[i], now)
		if err != nil {
			return now, nil, batchAborted(e.sessionID, cmd.TargetEntityID, i, len(cmds), err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return now, nil, storeUnavailable(e.sessionID, "commit", err)
	}
	return now, ids, nil
}

// applyCommand executes one command inside the push transaction: the
// mutation, its change-log entry, the entity touch and, for upserts into a
// container, the containment link.
func (e *Engine) applyCommand(ctx context.Context, tx *store.Tx, cmd ir.ChangeCommand, ref string, now time.Time) (int64, error) {
	m, err := tx.ExecMutation(ctx, cmd.TargetEntityID, cmd.Payload)
	if err != nil {
		return 0, err
	}
	id, err := tx.AppendChangeLog(ctx, ir.ChangeLogEntry{
		SessionID:      e.sessionID,
		TargetEntityID: cmd.TargetEntityID,
		ChangeType:     cmd.ChangeType,
		Timestamp:      now,
		CacheRef:       ref,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.TouchEntity(ctx, cmd.TargetEntityID, now); err != nil {
		return 0, err
	}
	if m.Op == ir.OpUpsert && m.ContainerID != "" {
		if err := tx.LinkContainer(ctx, cmd.TargetEntityID, m.ContainerID); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// stage writes one cache record per command and returns their refs. A failed
// write leaves an empty ref; the push goes ahead regardless.
func (e *Engine) stage(cmds []ir.ChangeCommand) []string {
	refs := make([]string, len(cmds))
	if e.cache == nil {
		e.log.Warnw("no change cache configured; pushing unstaged", "commands", len(cmds))
		return refs
	}
	at := e.clock.Now()
	for i, cmd := range cmds {
		rec, err := e.cache.Write(e.sessionID, cmd, at)
		if err != nil {
			metrics.CacheWriteFailures.Inc()
			e.log.Warnw("change cache write failed", "entity_id", cmd.TargetEntityID, "error", err)
			continue
		}
		refs[i] = rec.Ref
	}
	return refs
}

func (e *Engine) markCache(state ir.CacheState, refs []string) {
	if e.cache == nil {
		return
	}
	live := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref != "" {
			live = append(live, ref)
		}
	}
	if len(live) == 0 {
		return
	}
	if err := e.cache.MarkState(e.sessionID, state, live...); err != nil {
		e.log.Warnw("change cache state update failed", "state", state, "records", len(live), "error", err)
	}
}

// advanceWatermark moves the local and central watermark to at, unless some
// entity outside exclude changed after the current watermark: advancing then
// would hide that change from the next pull. It returns the resulting local
// watermark.
func (e *Engine) advanceWatermark(ctx context.Context, at time.Time, exclude []string) (time.Time, error) {
	wm, err := e.watermarks.Load(e.sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if !at.After(wm) {
		return wm, nil
	}

	unseen, err := e.store.ModifiedSinceExcluding(ctx, wm, at, exclude)
	if err != nil {
		return wm, storeUnavailable(e.sessionID, "check unseen changes", err)
	}
	if unseen > 0 {
		e.log.Debugw("watermark held back; remote changes not pulled yet", "unseen", unseen, "watermark", wm)
		return wm, nil
	}

	wm, _, err = e.watermarks.Advance(e.sessionID, at)
	if err != nil {
		return wm, err
	}
	if err := e.store.SetLastSync(ctx, e.sessionID, wm); err != nil {
		return wm, storeUnavailable(e.sessionID, "set last sync", err)
	}
	return wm, nil
}

func (e *Engine) triggerValidation(ctx context.Context, ids []string) {
	if e.validator == nil || len(ids) == 0 {
		return
	}
	entities, err := e.store.ReadEntities(ctx, ids)
	if err != nil {
		e.log.Warnw("validation export failed", "error", err)
		return
	}
	err = e.validator.Trigger(validation.Request{Ruleset: e.ruleset, Entities: entities})
	if err != nil {
		e.log.Debugw("validation not started", "error", err)
	}
}

// targetIDs returns the distinct command targets in first-seen order.
func targetIDs(cmds []ir.ChangeCommand) []string {
	seen := make(map[string]bool, len(cmds))
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		if !seen[c.TargetEntityID] {
			seen[c.TargetEntityID] = true
			ids = append(ids, c.TargetEntityID)
		}
	}
	return ids
}

func resultLabel(err error) string {
	switch {
	case IsBatchAborted(err):
		return metrics.ResultAborted
	case IsTransient(err):
		return metrics.ResultUnavailable
	case IsModelBusy(err):
		return metrics.ResultBusy
	}
	return metrics.ResultFailed
}
