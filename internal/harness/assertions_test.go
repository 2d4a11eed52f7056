package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pushedHarness returns a live harness where alice pushed one insert and bob
// pulled it.
func pushedHarness(t *testing.T) *Harness {
	t.Helper()
	s, err := ParseScenario([]byte(`
name: fixture
description: "fixture"
sessions: [alice, bob]
cache: true
steps:
  - session: alice
    op: push
`))
	require.NoError(t, err)

	h, err := newHarness(s, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(h.close)

	ctx := context.Background()
	for i, step := range []Step{
		{Session: "alice", Op: OpSubmit, Changes: []Change{{Type: "insert", ID: "1", Category: "wall", Properties: map[string]any{"name": "W1", "height": 3}}}},
		{Session: "alice", Op: OpPush},
		{Session: "bob", Op: OpPull},
	} {
		ev, err := h.execute(ctx, i+1, step)
		require.NoError(t, err)
		require.Equal(t, "ok", ev.Outcome)
		h.clock.Advance(h.tick)
	}
	return h
}

func count(n int) *int { return &n }

func TestEvaluateAssertions_Pass(t *testing.T) {
	h := pushedHarness(t)
	actx := &AssertionContext{Ctx: context.Background(), Harness: h}

	errs := EvaluateAssertions([]Assertion{
		{Type: AssertChangeLog, Session: "alice", Count: count(1)},
		{Type: AssertChangeLog, Entity: "1", ChangeType: "Insert", Count: count(1)},
		{Type: AssertChangeLog, ChangeType: "delete", Count: count(0)},
		{Type: AssertSessions, Count: count(2)},
		{Type: AssertEntity, Session: "bob", ID: "1", Expect: map[string]string{"name": "W1", "height": "3"}},
		{Type: AssertEntity, Session: "alice", ID: "1", Absent: true},
		{Type: AssertWatermark, Session: "bob", At: "+20ms"},
		{Type: AssertWatermark, Session: "alice", At: "+10ms"},
		{Type: AssertAutoPulls, Session: "bob", Count: count(0)},
		{Type: AssertCacheState, Session: "alice", State: "committed", Count: count(1)},
	}, actx)
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	h := pushedHarness(t)
	actx := &AssertionContext{Ctx: context.Background(), Harness: h}

	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"change_log count", Assertion{Type: AssertChangeLog, Session: "alice", Count: count(2)}, "2 entries matching session=alice"},
		{"sessions count", Assertion{Type: AssertSessions, Count: count(5)}, "5 central sessions"},
		{"entity absent", Assertion{Type: AssertEntity, Session: "alice", ID: "1"}, "1 present in alice"},
		{"entity present", Assertion{Type: AssertEntity, Session: "bob", ID: "1", Absent: true}, "1 absent from bob"},
		{"entity property", Assertion{Type: AssertEntity, Session: "bob", ID: "1", Expect: map[string]string{"name": "W2"}}, "1.name = W2"},
		{"watermark", Assertion{Type: AssertWatermark, Session: "bob", At: "never"}, "bob watermark at never"},
		{"auto pulls", Assertion{Type: AssertAutoPulls, Session: "bob", Count: count(1)}, "1 automatic pulls by bob"},
		{"cache state", Assertion{Type: AssertCacheState, Session: "alice", State: "failed", Count: count(1)}, "1 failed records for alice"},
		{"unknown type", Assertion{Type: "vibes"}, `unknown assertion type "vibes"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions([]Assertion{tt.assertion}, actx)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestMatchExpect(t *testing.T) {
	ev := TraceEvent{Outcome: "ok", Fields: []Field{{Key: "commands", Value: "2"}, {Key: "entries", Value: "2"}}}

	assert.Empty(t, matchExpect(ev, nil))
	assert.Empty(t, matchExpect(ev, map[string]string{"outcome": "ok", "commands": "2"}))

	errs := matchExpect(ev, map[string]string{"outcome": "BATCH_ABORTED", "commands": "3", "index": "0"})
	assert.Equal(t, []string{
		"expected commands=3, got 2",
		"expected index=0, field missing",
		"expected outcome BATCH_ABORTED, got ok",
	}, errs)
}

func TestAssertionError_Error(t *testing.T) {
	err := &AssertionError{Type: AssertSessions, Expected: "1 central sessions", Actual: "0: []"}
	assert.Equal(t, "Assertion failed: sessions\n  Expected: 1 central sessions\n  Actual: 0: []", err.Error())
}
