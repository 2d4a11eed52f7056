package harness

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(s, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return result
}

func TestRun_Scenarios(t *testing.T) {
	for _, name := range []string{
		"insert_merge",
		"conflicts",
		"debounce",
		"model_busy",
		"retention_prune",
		"fail_fast_replay",
	} {
		t.Run(name, func(t *testing.T) {
			result := run(t, load(t, name))
			assert.True(t, result.Pass, "errors: %v\ntrace:\n%s", result.Errors, result.Render(name))
			assert.Len(t, result.Trace, len(load(t, name).Steps))
		})
	}
}

func TestValidateScenarios(t *testing.T) {
	res, err := ValidateScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Equal(t, 6, res.TotalScenarios)
	assert.Equal(t, res.TotalScenarios, res.Passed, "failures: %+v", res.Failures)
	assert.Zero(t, res.Failed)
}

func TestValidateScenarios_MissingDir(t *testing.T) {
	_, err := ValidateScenarios(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestRun_UnexpectedFailureFailsScenario(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: unexpected
description: "release without hold"
sessions: [alice]
steps:
  - session: alice
    op: release
`))
	require.NoError(t, err)

	result := run(t, s)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "model not held")
	assert.Equal(t, "error", result.Trace[0].Outcome)
}

func TestRun_ExpectMismatch(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: mismatch
description: "wrong expectation"
sessions: [alice]
steps:
  - session: alice
    op: submit
    changes:
      - { type: insert, id: "1", category: wall }
    expect: { queued: "2" }
`))
	require.NoError(t, err)

	result := run(t, s)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected queued=2, got 1")
}

func TestRun_HoldTwiceFails(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: hold_twice
description: "holding a held model fails"
sessions: [alice]
steps:
  - session: alice
    op: hold
  - session: alice
    op: hold
    expect: { outcome: error }
`))
	require.NoError(t, err)

	result := run(t, s)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_AckSelectedEntries(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: ack
description: "ack one entry then the rest"
sessions: [alice, bob]
steps:
  - session: alice
    op: submit
    changes:
      - { type: insert, id: "1", category: wall }
      - { type: insert, id: "2", category: wall }
  - session: alice
    op: push
    expect: { entries: "2" }
  - session: bob
    op: ack
    entries: [1]
    expect: { acked: "1" }
  - session: bob
    op: status
    expect: { status: yellow, remote: "1" }
  - session: bob
    op: ack
    expect: { acked: "1" }
  - session: bob
    op: status
    expect: { status: green }
`))
	require.NoError(t, err)

	result := run(t, s)
	assert.True(t, result.Pass, "errors: %v\n%s", result.Errors, result.Render(s.Name))
}

func TestRun_GCWithoutSessionUsesFirst(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: gc_default
description: "gc on an empty store"
sessions: [alice, bob]
steps:
  - op: gc
    expect: { sessions: "0", entries: "0", cutoff: never }
`))
	require.NoError(t, err)

	result := run(t, s)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "alice", result.Trace[0].Session)
}

func TestResult_Render(t *testing.T) {
	r := NewResult()
	r.AddEvent(TraceEvent{Step: 1, Session: "alice", Op: OpPush, Outcome: "ok",
		Fields: []Field{{Key: "commands", Value: "1"}}})
	r.AddEvent(TraceEvent{Step: 2, At: 1500 * time.Millisecond, Session: "-", Op: OpAdvance, Outcome: "ok"})

	lines := strings.Split(strings.TrimSpace(r.Render("demo")), "\n")
	assert.Equal(t, []string{
		"scenario: demo",
		"[1] +0s alice push ok commands=1",
		"[2] +1.5s - advance ok",
	}, lines)
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
}
