package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/graphsync/internal/dispatch"
	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/metrics"
	"github.com/roach88/graphsync/internal/model"
	"github.com/roach88/graphsync/internal/store"
	"github.com/roach88/graphsync/internal/supervisor"
	"github.com/roach88/graphsync/internal/validation"
)

// ChangeCache is the durable staging area for outgoing commands.
// Implemented by cache.Cache.
type ChangeCache interface {
	Write(sessionID string, cmd ir.ChangeCommand, at time.Time) (ir.CachedChange, error)
	MarkState(sessionID string, state ir.CacheState, refs ...string) error
	ListState(sessionID string, state ir.CacheState) ([]ir.CachedChange, error)
}

// Engine synchronizes one session's local model with the central store.
//
// Construct it once at startup and pass it to whatever needs it. Submit is
// safe from any goroutine. Push and Pull are each single-flight. Work on the
// local model is posted to the dispatcher, whose Run the host drives on its
// model goroutine.
type Engine struct {
	store      *store.Store
	doc        model.Document
	dispatcher *dispatch.Dispatcher
	cache      ChangeCache
	watermarks *WatermarkStore
	registry   *SessionRegistry
	clock      Clock
	log        *zap.SugaredLogger
	sup        *supervisor.Supervisor
	validator  *validation.Runner
	ruleset    string

	sessionID       string
	user            string
	ids             IDGenerator
	categories      []model.Converter
	converters      map[string]model.Converter
	builders        []*model.Builder
	retentionMaxAge time.Duration

	pollInterval    time.Duration
	notifyWindow    time.Duration
	batchWindow     time.Duration
	minPullInterval time.Duration

	queue     *CommandQueue
	pushSem   *semaphore.Weighted
	pullSem   *semaphore.Weighted
	status    *statusMachine
	notifier  *ChangeNotifier
	scheduler *AutoPullScheduler

	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Defaults to SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithCache sets the change cache. Without one, pushes are not staged.
func WithCache(c ChangeCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithWatermarks sets the watermark store. Required.
func WithWatermarks(w *WatermarkStore) Option {
	return func(e *Engine) { e.watermarks = w }
}

// WithRegistry registers the session in a shared registry instead of a
// private one.
func WithRegistry(r *SessionRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithUser sets the user name that prefixes generated session ids.
func WithUser(user string) Option {
	return func(e *Engine) { e.user = user }
}

// WithIDGenerator sets the source of session id suffixes.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithCategories sets the tracked categories. Pull applies them in the
// given order, so containers should come before their contents. Without
// any, pull tracks every category in the store with pass-through
// converters.
func WithCategories(converters ...model.Converter) Option {
	return func(e *Engine) { e.categories = converters }
}

// WithRetentionMaxAge sets how long a session may go without syncing before
// retention GC prunes it.
func WithRetentionMaxAge(d time.Duration) Option {
	return func(e *Engine) { e.retentionMaxAge = d }
}

// WithValidation validates the pushed entities against ruleset after every
// successful push.
func WithValidation(r *validation.Runner, ruleset string) Option {
	return func(e *Engine) {
		e.validator = r
		e.ruleset = ruleset
	}
}

// WithSupervisor sets where background failures (auto-pull) are reported.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(e *Engine) { e.sup = s }
}

// WithNotifyTiming sets the poll interval and sliding window of the change
// notifier.
func WithNotifyTiming(pollInterval, window time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = pollInterval
		e.notifyWindow = window
	}
}

// WithPullTiming sets the batch window and minimum interval of automatic
// pulls.
func WithPullTiming(batchWindow, minInterval time.Duration) Option {
	return func(e *Engine) {
		e.batchWindow = batchWindow
		e.minPullInterval = minInterval
	}
}

// New creates an engine for doc backed by st. The host must run
// dispatcher.Run on its model goroutine. New fails with INIT_FAILED when the
// central store cannot be reached.
func New(st *store.Store, doc model.Document, dispatcher *dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:           st,
		doc:             doc,
		dispatcher:      dispatcher,
		clock:           SystemClock{},
		log:             zap.NewNop().Sugar(),
		ids:             UUIDv7Generator{},
		converters:      make(map[string]model.Converter),
		retentionMaxAge: DefaultRetentionMaxAge,
		queue:           NewCommandQueue(),
		pushSem:         semaphore.NewWeighted(1),
		pullSem:         semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}

	if st == nil || doc == nil || dispatcher == nil {
		return nil, errors.New("engine: store, document and dispatcher are required")
	}
	if e.watermarks == nil {
		return nil, errors.New("engine: watermark store is required")
	}
	if err := st.Ping(context.Background()); err != nil {
		return nil, initFailed(err)
	}

	if e.sessionID == "" {
		e.sessionID = NewSessionID(e.user, e.ids)
	}
	if e.registry == nil {
		e.registry = NewSessionRegistry()
	}
	if e.sup == nil {
		e.sup = supervisor.New(e.log)
	}
	e.log = e.log.With("session_id", e.sessionID)
	for _, c := range e.categories {
		e.converters[c.Category()] = c
		e.builders = append(e.builders, model.NewBuilder(c, e.log))
	}

	e.registry.Register(e.sessionID, doc, e.watermarks, e.clock.Now())
	e.status = newStatusMachine(e.sessionID, e.log)
	e.notifier = NewChangeNotifier(st, e.sessionID, e.clock, e.pollInterval, e.notifyWindow, e.log.Named("notifier"))
	e.scheduler = NewAutoPullScheduler(e.sessionID, e.clock, e.batchWindow, e.minPullInterval,
		func(ctx context.Context) error {
			_, err := e.Pull(ctx)
			return err
		},
		func(err error) { e.sup.Report("auto-pull", err) },
		e.log.Named("scheduler"),
	)
	e.notifier.Subscribe(e.scheduler.OnChangeDetected)

	e.log.Infow("engine started", "version", ir.EngineVersion)
	return e, nil
}

// SessionID returns the engine's session id.
func (e *Engine) SessionID() string { return e.sessionID }

// Registry returns the registry the session is registered in.
func (e *Engine) Registry() *SessionRegistry { return e.registry }

// Notifier returns the session's change notifier.
func (e *Engine) Notifier() *ChangeNotifier { return e.notifier }

// Scheduler returns the session's auto-pull scheduler.
func (e *Engine) Scheduler() *AutoPullScheduler { return e.scheduler }

// Pending returns the queued commands without removing them.
func (e *Engine) Pending() []ir.ChangeCommand { return e.queue.Snapshot() }

// Watermark returns the session's local watermark.
func (e *Engine) Watermark() (time.Time, error) {
	return e.watermarks.Load(e.sessionID)
}

// LastValidation returns the most recent validation report, if any.
func (e *Engine) LastValidation() (validation.Report, bool) {
	if e.validator == nil {
		return validation.Report{}, false
	}
	return e.validator.Last()
}

// Submit enqueues a command. It never blocks on I/O.
func (e *Engine) Submit(targetID string, changeType ir.ChangeType, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	targetID = ir.Normalize(targetID)
	if targetID == "" {
		return invalidCommand(targetID, "empty target entity id")
	}
	if !changeType.Valid() {
		return invalidCommand(targetID, fmt.Sprintf("unknown change type %q", changeType))
	}
	if len(payload) == 0 {
		return invalidCommand(targetID, "empty mutation payload")
	}

	e.queue.Enqueue(ir.ChangeCommand{
		TargetEntityID: targetID,
		ChangeType:     changeType,
		Payload:        payload,
		CreatedAt:      e.clock.Now(),
	})
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	return nil
}

// SubmitInsert enqueues the creation of ent.
func (e *Engine) SubmitInsert(ent ir.Entity) error {
	return e.submitUpsert(ir.ChangeInsert, ent)
}

// SubmitModify enqueues an update of ent.
func (e *Engine) SubmitModify(ent ir.Entity) error {
	return e.submitUpsert(ir.ChangeModify, ent)
}

// SubmitDelete enqueues the deletion of the entity id.
func (e *Engine) SubmitDelete(id string) error {
	payload, err := ir.DeletePayload()
	if err != nil {
		return invalidCommand(id, err.Error())
	}
	return e.Submit(id, ir.ChangeDelete, payload)
}

func (e *Engine) submitUpsert(ct ir.ChangeType, ent ir.Entity) error {
	conv, ok := e.converters[ent.Category]
	if !ok {
		conv = model.PassThrough(ent.Category)
	}
	props, err := conv.ToGraph(ent)
	if err != nil {
		return invalidCommand(ent.ID, fmt.Sprintf("convert %s: %v", ent.Category, err))
	}
	ent.Properties = props

	payload, err := ir.UpsertPayload(ent)
	if err != nil {
		return invalidCommand(ent.ID, err.Error())
	}
	return e.Submit(ent.ID, ct, payload)
}

// Acknowledge marks remote change-log entries as consumed by this session.
// The request's SessionID is always this session. It returns the number of
// entries that changed state.
func (e *Engine) Acknowledge(ctx context.Context, req store.AckRequest) (int64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	req.SessionID = e.sessionID
	n, err := e.store.Acknowledge(ctx, req)
	if err != nil {
		return 0, storeUnavailable(e.sessionID, "acknowledge", err)
	}
	e.log.Infow("acknowledged", "entries", n, "selected", len(req.EntryIDs))
	return n, nil
}

// Replay pushes the session's failed cache records again, oldest first.
// Records whose payload no longer matches its digest are skipped. The
// records are marked replayed before the push and end up committed or
// failed with it.
func (e *Engine) Replay(ctx context.Context) (PushResult, error) {
	if e.closed.Load() {
		return PushResult{}, ErrClosed
	}
	if e.cache == nil {
		return PushResult{}, errors.New("replay: no change cache configured")
	}
	if !e.pushSem.TryAcquire(1) {
		metrics.PushTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return PushResult{Skipped: true}, nil
	}
	defer e.pushSem.Release(1)

	records, err := e.cache.ListState(e.sessionID, ir.CacheFailed)
	if err != nil {
		return PushResult{}, fmt.Errorf("replay: list failed records: %w", err)
	}

	cmds := make([]ir.ChangeCommand, 0, len(records))
	refs := make([]string, 0, len(records))
	for _, rec := range records {
		if ir.PayloadDigest(rec.Payload) != rec.Digest {
			e.log.Warnw("skipping corrupted cache record", "ref", rec.Ref, "entity_id", rec.TargetEntityID)
			continue
		}
		cmds = append(cmds, rec.Command())
		refs = append(refs, rec.Ref)
	}
	if len(cmds) == 0 {
		return PushResult{}, nil
	}

	if err := e.cache.MarkState(e.sessionID, ir.CacheReplayed, refs...); err != nil {
		return PushResult{}, fmt.Errorf("replay: mark records: %w", err)
	}
	e.log.Infow("replaying cached changes", "commands", len(cmds))
	return e.pushBatch(ctx, cmds, refs)
}

// Watch polls for remote changes until ctx is cancelled or the engine is
// closed, letting the auto-pull scheduler pull as needed.
func (e *Engine) Watch(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	err := e.notifier.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops automatic pulls and rejects further calls. A push or pull in
// flight is allowed to finish; Close waits for it. Close does not close the
// store, cache or dispatcher, which the caller owns. Idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.scheduler.Close()
	e.notifier.Close()

	ctx := context.Background()
	if err := e.pushSem.Acquire(ctx, 1); err == nil {
		e.pushSem.Release(1)
	}
	if err := e.pullSem.Acquire(ctx, 1); err == nil {
		e.pullSem.Release(1)
	}

	e.registry.Remove(e.sessionID)
	e.log.Infow("engine closed")
	return nil
}
