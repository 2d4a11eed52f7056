package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/cache"
	"github.com/roach88/graphsync/internal/dispatch"
	"github.com/roach88/graphsync/internal/engine"
	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/logger"
	"github.com/roach88/graphsync/internal/model"
	"github.com/roach88/graphsync/internal/store"
	"github.com/roach88/graphsync/internal/supervisor"
	"github.com/roach88/graphsync/internal/testutil"
)

// Epoch is the clock reading at the start of every scenario.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Harness runs one scenario: a shared central store, a manual clock and one
// engine per session.
type Harness struct {
	dir      string
	store    *store.Store
	cache    *cache.Cache
	clock    *testutil.ManualClock
	registry *engine.SessionRegistry
	tick     time.Duration
	log      *zap.SugaredLogger

	sessions map[string]*session
	order    []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// session is one simulated editor instance.
type session struct {
	id      string
	engine  *engine.Engine
	doc     *model.Memory
	disp    *dispatch.Dispatcher
	sup     *supervisor.Supervisor
	release func()

	// lastWatermark is the watermark seen after the previous step.
	lastWatermark time.Time
}

// Option configures Run.
type Option func(*options)

type options struct {
	log *zap.SugaredLogger
}

// WithLogger routes engine logs to log instead of discarding them.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh central store in a temporary directory.
// The manual clock starts at Epoch and moves by the scenario tick after
// every step, so timestamps in the trace are reproducible.
//
// Execution flow:
// 1. Open the central store (and the change cache if enabled)
// 2. Start one engine per session with its own dispatcher and watermarks
// 3. Execute steps, checking expectations and principles after each
// 4. Evaluate assertions against the final state
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	h, err := newHarness(scenario, o.log)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i+1, step)
		result.AddEvent(ev)
		if err != nil {
			if _, expected := step.Expect["outcome"]; !expected {
				result.AddError(fmt.Sprintf("step %d (%s %s): %v", i+1, ev.Session, step.Op, err))
			}
		}
		for _, msg := range matchExpect(ev, step.Expect) {
			result.AddError(fmt.Sprintf("step %d (%s %s): %s", i+1, ev.Session, step.Op, msg))
		}
		for _, msg := range h.checkPrinciples(ctx, ev) {
			result.AddError(fmt.Sprintf("step %d (%s %s): principle violated: %s", i+1, ev.Session, step.Op, msg))
		}

		if step.Op != OpAdvance {
			h.clock.Advance(h.tick)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, log *zap.SugaredLogger) (h *Harness, err error) {
	dir, err := os.MkdirTemp("", "graphsync-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h = &Harness{
		dir:      dir,
		clock:    testutil.NewManualClock(Epoch),
		registry: engine.NewSessionRegistry(),
		tick:     scenario.tick(),
		log:      log,
		sessions: make(map[string]*session, len(scenario.Sessions)),
		cancel:   cancel,
	}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	h.store, err = store.Open(filepath.Join(dir, "central.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open central store: %w", err)
	}
	if scenario.Cache {
		h.cache, err = cache.Open(filepath.Join(dir, "cache"))
		if err != nil {
			return nil, fmt.Errorf("failed to open change cache: %w", err)
		}
	}

	for _, id := range scenario.Sessions {
		if err := h.startSession(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to start session %s: %w", id, err)
		}
	}
	return h, nil
}

func (h *Harness) startSession(ctx context.Context, id string) error {
	log := h.log.With("session", id)

	watermarks, err := engine.NewWatermarkStore(filepath.Join(h.dir, "state", id))
	if err != nil {
		return err
	}

	s := &session{
		id:   id,
		doc:  model.NewMemory(),
		disp: dispatch.New(log),
		sup:  supervisor.New(log),
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = s.disp.Run(ctx)
	}()
	// Registered before engine.New so close stops the dispatcher on failure.
	h.sessions[id] = s
	h.order = append(h.order, id)

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithSessionID(id),
		engine.WithWatermarks(watermarks),
		engine.WithRegistry(h.registry),
		engine.WithSupervisor(s.sup),
		engine.WithLogger(log),
	}
	if h.cache != nil {
		opts = append(opts, engine.WithCache(h.cache))
	}

	s.engine, err = engine.New(h.store, s.doc, s.disp, opts...)
	return err
}

func (h *Harness) close() {
	for _, id := range h.order {
		s := h.sessions[id]
		if s.release != nil {
			s.release()
		}
		if s.engine != nil {
			_ = s.engine.Close()
		}
		s.sup.Wait()
		s.disp.Close()
	}
	h.cancel()
	h.wg.Wait()

	if h.cache != nil {
		_ = h.cache.Close()
	}
	if h.store != nil {
		_ = h.store.Close()
	}
	_ = os.RemoveAll(h.dir)
}

// offset renders t relative to Epoch.
func (h *Harness) offset(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return "+" + t.Sub(Epoch).String()
}

// execute runs one step and returns its trace event. The returned error is
// the operation's failure, already reflected in the event outcome.
func (h *Harness) execute(ctx context.Context, n int, step Step) (TraceEvent, error) {
	ev := TraceEvent{
		Step:    n,
		At:      h.clock.Now().Sub(Epoch),
		Session: step.Session,
		Op:      step.Op,
		Outcome: "ok",
	}

	if step.Op == OpAdvance {
		ev.Session = "-"
		h.advance(step, &ev)
		return ev, nil
	}
	if ev.Session == "" {
		ev.Session = h.order[0]
	}
	s := h.sessions[ev.Session]
	if err := h.registry.SetCurrent(s.id); err != nil {
		return ev, h.fail(&ev, err)
	}

	e := s.engine
	switch step.Op {
	case OpSubmit:
		for _, c := range step.Changes {
			if err := submit(e, c); err != nil {
				return ev, h.fail(&ev, err)
			}
		}
		ev.add("queued", len(e.Pending()))

	case OpPush, OpReplay:
		var res engine.PushResult
		var err error
		if step.Op == OpPush {
			res, err = e.Push(ctx)
		} else {
			res, err = e.Replay(ctx)
		}
		if res.Skipped {
			ev.Outcome = "skipped"
			return ev, nil
		}
		ev.add("commands", res.Commands)
		if err != nil {
			var se *engine.SyncError
			if errors.As(err, &se) && se.Code == engine.ErrCodeBatchAborted {
				ev.add("index", se.Index)
			}
			return ev, h.fail(&ev, err)
		}
		ev.add("entries", len(res.EntryIDs))
		switch {
		case res.Commands == 0:
			ev.add("watermark", "-")
		case res.WatermarkAdvanced:
			ev.add("watermark", "advanced")
		default:
			ev.add("watermark", "held")
		}

	case OpPull:
		res, err := e.Pull(ctx)
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		if res.Skipped {
			ev.Outcome = "skipped"
			return ev, nil
		}
		ev.add("entities", res.Entities)
		ev.add("created", res.Applied.Created)
		ev.add("updated", res.Applied.Updated)
		ev.add("removed", res.Applied.Removed)
		ev.add("degraded", res.Applied.Degraded)
		ev.add("acked", res.Acknowledged)

	case OpStatus:
		report, err := e.CheckConsistency(ctx)
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		ev.add("status", report.Status)
		ev.add("remote", report.RemoteCount)
		ev.add("pending", report.PendingCount)
		ev.add("conflicts", conflictIDs(report.Conflicts))

	case OpGC:
		res, err := e.CollectGarbage(ctx)
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		ev.add("sessions", res.StaleSessions)
		ev.add("entries", res.Entries)
		ev.add("cutoff", h.offset(res.Cutoff))

	case OpAck:
		n, err := e.Acknowledge(ctx, store.AckRequest{EntryIDs: step.Entries})
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		ev.add("acked", n)

	case OpNotify:
		n, err := e.Notifier().Poll(ctx)
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		ev.add("entries", n)

	case OpHold:
		if s.release != nil {
			return ev, h.fail(&ev, errors.New("model already held"))
		}
		release, err := s.doc.Hold()
		if err != nil {
			return ev, h.fail(&ev, err)
		}
		s.release = release

	case OpRelease:
		if s.release == nil {
			return ev, h.fail(&ev, errors.New("model not held"))
		}
		s.release()
		s.release = nil

	default:
		return ev, h.fail(&ev, fmt.Errorf("unknown op %q", step.Op))
	}
	return ev, nil
}

// advance moves the clock and records which sessions pulled automatically
// while it moved.
func (h *Harness) advance(step Step, ev *TraceEvent) {
	d, _ := time.ParseDuration(step.Duration)

	before := make(map[string]int, len(h.order))
	for _, id := range h.order {
		before[id] = h.sessions[id].engine.Scheduler().Pulls()
	}
	h.clock.Advance(d)

	var pulls []string
	for _, id := range h.order {
		if n := h.sessions[id].engine.Scheduler().Pulls() - before[id]; n > 0 {
			pulls = append(pulls, fmt.Sprintf("%s:%d", id, n))
		}
	}
	ev.add("to", h.offset(h.clock.Now()))
	ev.add("pulls", joinOrDash(pulls))
}

// fail records err as the event outcome and returns it.
func (h *Harness) fail(ev *TraceEvent, err error) error {
	ev.Outcome = outcomeOf(err)
	h.log.Debugw("step failed", "step", ev.Step, "op", ev.Op, "error", err)
	return err
}

func outcomeOf(err error) string {
	var se *engine.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return "error"
}

func (ev *TraceEvent) add(key string, value any) {
	ev.Fields = append(ev.Fields, Field{Key: key, Value: fmt.Sprint(value)})
}

func submit(e *engine.Engine, c Change) error {
	ct, err := parseChangeType(c.Type)
	if err != nil {
		return err
	}
	if c.Raw != "" {
		return e.Submit(c.ID, ct, []byte(c.Raw))
	}

	ent := ir.Entity{
		ID:          c.ID,
		Category:    c.Category,
		ContainerID: c.Container,
		Properties:  ir.Properties(c.Properties),
	}
	if ent.Properties == nil {
		ent.Properties = ir.Properties{}
	}
	switch ct {
	case ir.ChangeInsert:
		return e.SubmitInsert(ent)
	case ir.ChangeModify:
		return e.SubmitModify(ent)
	default:
		return e.SubmitDelete(c.ID)
	}
}

// parseChangeType accepts change types in any case.
func parseChangeType(s string) (ir.ChangeType, error) {
	for _, ct := range []ir.ChangeType{ir.ChangeInsert, ir.ChangeModify, ir.ChangeDelete} {
		if strings.EqualFold(s, string(ct)) {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown change type %q", s)
}

func conflictIDs(conflicts []ir.Conflict) string {
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.EntityID)
	}
	sort.Strings(ids)
	return joinOrDash(ids)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
