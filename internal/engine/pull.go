package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/metrics"
	"github.com/roach88/graphsync/internal/model"
	"github.com/roach88/graphsync/internal/store"
)

// PullResult reports the outcome of one pull.
type PullResult struct {
	// Skipped is set when another pull was in flight.
	Skipped bool
	// Entities is the number of changed entities read from the store.
	Entities int
	// Applied sums the builder results over every category.
	Applied model.ApplyResult
	// Acknowledged is the number of remote change-log entries this pull
	// consumed.
	Acknowledged int64
	// Watermark is the local watermark after the pull.
	Watermark time.Time
}

// Pull reads every entity modified since the local watermark and applies
// them to the local model in one local transaction.
//
// Reads run per category in parallel; the apply step is posted to the model
// goroutine. If the model is locked by another edit the pull returns a
// MODEL_BUSY error without touching the watermark. On success the watermark
// moves to the time the pull started and remote change-log entries up to
// that time are acknowledged.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	if e.closed.Load() {
		return PullResult{}, ErrClosed
	}
	if !e.pullSem.TryAcquire(1) {
		metrics.PullTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		e.log.Debugw("pull skipped; another pull is in flight")
		return PullResult{Skipped: true}, nil
	}
	defer e.pullSem.Release(1)

	res, err := e.pull(ctx)
	if err != nil {
		metrics.PullTotal.WithLabelValues(resultLabel(err)).Inc()
		if IsModelBusy(err) {
			e.log.Infow("pull skipped; local model is busy")
		} else {
			e.log.Errorw("pull failed", "error", err)
		}
		return res, err
	}
	metrics.PullTotal.WithLabelValues(metrics.ResultOK).Inc()
	metrics.PullEntities.Add(float64(res.Entities))
	return res, nil
}

func (e *Engine) pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	start := e.clock.Now()

	wm, err := e.watermarks.Load(e.sessionID)
	if err != nil {
		return res, fmt.Errorf("load watermark: %w", err)
	}

	builders, err := e.pullBuilders(ctx)
	if err != nil {
		return res, err
	}

	changed := make([][]ir.Entity, len(builders))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range builders {
		g.Go(func() error {
			entities, err := e.store.EntitiesModifiedSince(gctx, b.Category(), wm)
			if err != nil {
				return err
			}
			changed[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, storeUnavailable(e.sessionID, "read modified entities", err)
	}
	for _, entities := range changed {
		res.Entities += len(entities)
	}

	if res.Entities > 0 {
		applied, err := e.apply(ctx, builders, changed)
		if err != nil {
			return res, err
		}
		res.Applied = applied
	}

	// Local and central watermarks both move to the pull start; remote edits
	// committed during the pull are picked up next time.
	res.Watermark, _, err = e.watermarks.Advance(e.sessionID, start)
	if err != nil {
		return res, fmt.Errorf("advance watermark: %w", err)
	}
	if err := e.store.SetLastSync(ctx, e.sessionID, res.Watermark); err != nil {
		return res, storeUnavailable(e.sessionID, "set last sync", err)
	}

	res.Acknowledged, err = e.store.Acknowledge(ctx, store.AckRequest{SessionID: e.sessionID, Before: start})
	if err != nil {
		return res, storeUnavailable(e.sessionID, "acknowledge", err)
	}

	e.log.Infow("pulled",
		"entities", res.Entities,
		"created", res.Applied.Created,
		"updated", res.Applied.Updated,
		"removed", res.Applied.Removed,
		"degraded", res.Applied.Degraded,
		"acknowledged", res.Acknowledged,
		"watermark", res.Watermark,
	)
	return res, nil
}

// apply runs every builder inside one local transaction on the model
// goroutine, in category order.
func (e *Engine) apply(ctx context.Context, builders []*model.Builder, changed [][]ir.Entity) (model.ApplyResult, error) {
	var total model.ApplyResult
	err := e.dispatcher.Post(ctx, func(ctx context.Context) error {
		tx, err := e.doc.Begin()
		if errors.Is(err, model.ErrLocked) {
			return modelBusy(e.sessionID, err)
		}
		if err != nil {
			return fmt.Errorf("begin local transaction: %w", err)
		}

		for i, b := range builders {
			r, err := b.Apply(tx, changed[i])
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("apply %s: %w", b.Category(), err)
			}
			total.Created += r.Created
			total.Updated += r.Updated
			total.Removed += r.Removed
			total.Degraded += r.Degraded
		}
		return tx.Commit()
	})
	if err != nil {
		return model.ApplyResult{}, err
	}
	return total, nil
}

// pullBuilders returns the configured builders, or pass-through builders for
// every category present in the store when none are configured.
func (e *Engine) pullBuilders(ctx context.Context) ([]*model.Builder, error) {
	if len(e.builders) > 0 {
		return e.builders, nil
	}
	categories, err := e.store.Categories(ctx)
	if err != nil {
		return nil, storeUnavailable(e.sessionID, "list categories", err)
	}
	builders := make([]*model.Builder, len(categories))
	for i, c := range categories {
		builders[i] = model.NewBuilder(model.PassThrough(c), e.log)
	}
	return builders, nil
}
