package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/store"
)

// seedSession writes a session row and one change-log entry at the given
// times.
func seedSession(t *testing.T, st *store.Store, id string, lastSync, entryAt time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.UpsertSession(ctx, id, lastSync, lastSync))
	payload, err := ir.DeletePayload()
	require.NoError(t, err)
	_, err = tx.ExecMutation(ctx, id+"-entity", payload)
	require.NoError(t, err)
	_, err = tx.AppendChangeLog(ctx, ir.ChangeLogEntry{
		SessionID:      id,
		TargetEntityID: id + "-entity",
		ChangeType:     ir.ChangeDelete,
		Timestamp:      entryAt,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestCollectGarbage_PrunesStaleSessionsFirst(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := t0.Add(72 * time.Hour)
	a := newSession(t, st, newClockAt(now), "A")

	seedSession(t, st, "dead", now.Add(-48*time.Hour), now.Add(-47*time.Hour))
	seedSession(t, st, "old-live", now.Add(-time.Hour), now.Add(-2*time.Hour))
	seedSession(t, st, "fresh", now.Add(-30*time.Minute), now.Add(-10*time.Minute))

	res, err := a.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StaleSessions)
	assert.Equal(t, int64(2), res.Entries)
	assert.True(t, res.Cutoff.Equal(now.Add(-time.Hour)), "cutoff ignores the pruned session")

	_, err = st.ReadSession(ctx, "dead")
	assert.ErrorIs(t, err, store.ErrNotFound)

	remaining := readLog(t, st, store.ChangeLogFilter{})
	require.Len(t, remaining, 1)
	for _, e := range remaining {
		assert.False(t, e.Timestamp.Before(res.Cutoff))
	}
}

func TestCollectGarbage_NoSessions(t *testing.T) {
	st := openStore(t)
	a := newSession(t, st, newClock(), "A")

	res, err := a.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cutoff.IsZero())
	assert.Zero(t, res.Entries)
}

func TestCollectGarbage_RetentionMaxAgeOption(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := t0.Add(72 * time.Hour)
	a := newSession(t, st, newClockAt(now), "A", WithRetentionMaxAge(time.Hour))

	seedSession(t, st, "S", now.Add(-2*time.Hour), now.Add(-2*time.Hour))

	res, err := a.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StaleSessions)
	assert.True(t, res.Cutoff.IsZero(), "no live session left to define a cutoff")
	assert.Len(t, readLog(t, st, store.ChangeLogFilter{}), 1, "entries survive without a cutoff")
}

func TestPush_RunsGarbageCollection(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := t0.Add(72 * time.Hour)
	clock := newClockAt(now)
	a := newSession(t, st, clock, "A")

	seedSession(t, st, "dead", now.Add(-48*time.Hour), now.Add(-48*time.Hour))

	require.NoError(t, a.SubmitInsert(entity("1", "wall", "W", "")))
	_, err := a.Push(ctx)
	require.NoError(t, err)

	_, err = st.ReadSession(ctx, "dead")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, readLog(t, st, store.ChangeLogFilter{SessionID: "dead"}))
}

func TestPush_HeldWatermarkKeepsSessionPinned(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	clock := newClock()
	a := newSession(t, st, clock, "A")
	b := newSession(t, st, clock, "B")

	clock.Advance(time.Second)
	require.NoError(t, b.SubmitInsert(entity("remote", "wall", "R", "")))
	_, err := b.Push(ctx)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, a.SubmitInsert(entity("local", "wall", "L", "")))
	res, err := a.Push(ctx)
	require.NoError(t, err)
	require.False(t, res.WatermarkAdvanced)

	sess, err := st.ReadSession(ctx, "A")
	require.NoError(t, err, "a live session survives its own push")
	assert.True(t, sess.LastSyncTime.IsZero())
	assert.True(t, sess.LastUpdateTime.Equal(t0.Add(2*time.Second)))

	clock.Advance(time.Second)
	_, err = b.Pull(ctx)
	require.NoError(t, err)
	for _, name := range []string{"R2", "R3"} {
		clock.Advance(time.Second)
		require.NoError(t, b.SubmitModify(entity("remote", "wall", name, "")))
		_, err := b.Push(ctx)
		require.NoError(t, err)
	}

	pending, err := st.PendingChangeLog(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, pending, 3, "entries A never pulled are kept")

	require.NoError(t, a.SubmitModify(entity("remote", "wall", "mine", "")))
	report, err := a.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRed, report.Status)
	assert.Equal(t, 3, report.RemoteCount)
}
