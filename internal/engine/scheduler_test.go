package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphsync/internal/testutil"
)

type pullRecorder struct {
	mu    sync.Mutex
	clock *testutil.ManualClock
	at    []time.Time
	err   error
}

func (p *pullRecorder) pull(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.at = append(p.at, p.clock.Now())
	return p.err
}

func (p *pullRecorder) times() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.at...)
}

func newTestScheduler(clock *testutil.ManualClock, pulls *pullRecorder, onError func(error)) *AutoPullScheduler {
	return NewAutoPullScheduler("C", clock, 2*time.Second, 5*time.Second, pulls.pull, onError, nil)
}

func TestAutoPullScheduler_BurstCoalescesIntoOnePull(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	clock.Advance(time.Second)
	s.OnChangeDetected(ChangeEvent{SessionID: "C"})

	clock.Advance(1999 * time.Millisecond)
	assert.Empty(t, pulls.times(), "the second event restarted the batch window")

	clock.Advance(time.Millisecond)
	require.Len(t, pulls.times(), 1)
	assert.True(t, pulls.times()[0].Equal(t0.Add(3*time.Second)))

	clock.Advance(time.Minute)
	assert.Len(t, pulls.times(), 1)
	assert.Equal(t, 1, s.Pulls())
}

func TestAutoPullScheduler_ManyEventsOnePull(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	for i := 0; i < 10; i++ {
		s.OnChangeDetected(ChangeEvent{SessionID: "C"})
		clock.Advance(100 * time.Millisecond)
	}
	clock.Advance(10 * time.Second)
	assert.Len(t, pulls.times(), 1)
}

func TestAutoPullScheduler_MinimumInterval(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	clock.Advance(2 * time.Second)
	require.Len(t, pulls.times(), 1)

	// Batch window ends at t=5, but the previous pull was at t=2.
	clock.Advance(time.Second)
	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	clock.Advance(3900 * time.Millisecond)
	assert.Len(t, pulls.times(), 1)

	clock.Advance(100 * time.Millisecond)
	got := pulls.times()
	require.Len(t, got, 2)
	assert.Equal(t, 5*time.Second, got[1].Sub(got[0]))
}

func TestAutoPullScheduler_IgnoresOtherSessions(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	s.OnChangeDetected(ChangeEvent{SessionID: "D"})
	clock.Advance(time.Minute)
	assert.Empty(t, pulls.times())
	assert.Zero(t, clock.Pending())
}

func TestAutoPullScheduler_CloseCancelsPending(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	s.Close()
	s.Close()
	s.OnChangeDetected(ChangeEvent{SessionID: "C"})

	clock.Advance(time.Minute)
	assert.Empty(t, pulls.times())
}

func TestAutoPullScheduler_ErrorHandling(t *testing.T) {
	clock := newClock()
	var reported []error
	onError := func(err error) { reported = append(reported, err) }

	busy := &pullRecorder{clock: clock, err: modelBusy("C", errors.New("locked"))}
	s := newTestScheduler(clock, busy, onError)
	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	clock.Advance(2 * time.Second)
	assert.Len(t, busy.times(), 1)
	assert.Empty(t, reported, "a busy model is expected and not reported")

	failing := &pullRecorder{clock: clock, err: storeUnavailable("C", "read", errors.New("down"))}
	s = newTestScheduler(clock, failing, onError)
	s.OnChangeDetected(ChangeEvent{SessionID: "C"})
	clock.Advance(2 * time.Second)
	require.Len(t, reported, 1)
	assert.True(t, IsTransient(reported[0]))
}

func TestAutoPullScheduler_SteadyStreamStillPulls(t *testing.T) {
	clock := newClock()
	pulls := &pullRecorder{clock: clock}
	s := newTestScheduler(clock, pulls, nil)

	// An event every 1.5s never leaves a quiet batch window.
	for i := 0; i < 20; i++ {
		s.OnChangeDetected(ChangeEvent{SessionID: "C"})
		clock.Advance(1500 * time.Millisecond)
	}

	got := pulls.times()
	require.GreaterOrEqual(t, len(got), 4)
	assert.True(t, got[0].Equal(t0.Add(5*time.Second)), "first pull waits at most max(batch, minInterval)")
	for i := 1; i < len(got); i++ {
		gap := got[i].Sub(got[i-1])
		assert.GreaterOrEqual(t, gap, 5*time.Second, "pull %d breaks the minimum interval", i)
		assert.LessOrEqual(t, gap, 7*time.Second, "pull %d waited past minInterval+batch", i)
	}
	assert.Equal(t, len(got), s.Pulls())
}
