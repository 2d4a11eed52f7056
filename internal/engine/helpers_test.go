package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/graphsync/internal/dispatch"
	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/model"
	"github.com/roach88/graphsync/internal/store"
	"github.com/roach88/graphsync/internal/testutil"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "central.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func runDispatcher(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		d.Close()
		cancel()
		<-done
	})
}

type testSession struct {
	*Engine
	doc  *model.Memory
	disp *dispatch.Dispatcher
}

// newSession creates an engine for sessionID on st with a running
// dispatcher, an in-memory document and its own watermark directory.
func newSession(t *testing.T, st *store.Store, clock Clock, sessionID string, opts ...Option) *testSession {
	t.Helper()
	disp := dispatch.New(zaptest.NewLogger(t).Sugar())
	runDispatcher(t, disp)
	return newSessionWith(t, st, clock, sessionID, disp, opts...)
}

func newSessionWith(t *testing.T, st *store.Store, clock Clock, sessionID string, disp *dispatch.Dispatcher, opts ...Option) *testSession {
	t.Helper()
	ws, err := NewWatermarkStore(t.TempDir())
	require.NoError(t, err)

	doc := model.NewMemory()
	base := []Option{
		WithClock(clock),
		WithSessionID(sessionID),
		WithWatermarks(ws),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	}
	e, err := New(st, doc, disp, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &testSession{Engine: e, doc: doc, disp: disp}
}

func newClock() *testutil.ManualClock {
	return testutil.NewManualClock(t0)
}

func entity(id, category, name, container string) ir.Entity {
	return ir.Entity{
		ID:          id,
		Category:    category,
		Properties:  ir.Properties{"name": name},
		ContainerID: container,
	}
}

func readLog(t *testing.T, st *store.Store, filter store.ChangeLogFilter) []ir.ChangeLogEntry {
	t.Helper()
	entries, err := st.ReadChangeLog(context.Background(), filter)
	require.NoError(t, err)
	return entries
}

// memCache is an in-memory ChangeCache.
type memCache struct {
	mu      sync.Mutex
	records []ir.CachedChange
	writeFn func(cmd ir.ChangeCommand) error
}

func (c *memCache) Write(sessionID string, cmd ir.ChangeCommand, at time.Time) (ir.CachedChange, error) {
	if c.writeFn != nil {
		if err := c.writeFn(cmd); err != nil {
			return ir.CachedChange{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := ir.CachedChange{
		Ref:            cmd.TargetEntityID + "#" + string(rune('a'+len(c.records))),
		SessionID:      sessionID,
		TargetEntityID: cmd.TargetEntityID,
		ChangeType:     cmd.ChangeType,
		Payload:        cmd.Payload,
		TimestampUTC:   at,
		Digest:         ir.PayloadDigest(cmd.Payload),
		State:          ir.CacheStaged,
	}
	c.records = append(c.records, rec)
	return rec, nil
}

func (c *memCache) MarkState(sessionID string, state ir.CacheState, refs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[string]bool, len(refs))
	for _, r := range refs {
		want[r] = true
	}
	for i := range c.records {
		if c.records[i].SessionID == sessionID && want[c.records[i].Ref] {
			c.records[i].State = state
		}
	}
	return nil
}

func (c *memCache) ListState(sessionID string, state ir.CacheState) ([]ir.CachedChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ir.CachedChange
	for _, r := range c.records {
		if r.SessionID == sessionID && r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *memCache) states() []ir.CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ir.CacheState, len(c.records))
	for i, r := range c.records {
		out[i] = r.State
	}
	return out
}

func newClockAt(at time.Time) *testutil.ManualClock {
	return testutil.NewManualClock(at)
}
