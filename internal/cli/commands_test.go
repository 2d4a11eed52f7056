package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphsync/internal/ir"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "graphsync", cmd.Use)

	for _, name := range []string{"push", "pull", "status", "gc", "ack", "replay", "watch", "session", "test"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("session"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "gc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "gc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPush_RequiresFile(t *testing.T) {
	cfg := workspace(t, sharedStore(t))
	_, err := execute(t, "--config", cfg, "push")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestPush_InvalidChangeFile(t *testing.T) {
	cfg := workspace(t, sharedStore(t))
	file := writeChanges(t, "changes:\n  - type: rename\n    id: \"1\"\n")

	_, err := execute(t, "--config", cfg, "--session", "alice", "push", "-f", file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown change type")
}

func TestPush_Text(t *testing.T) {
	cfg := workspace(t, sharedStore(t))
	file := writeChanges(t, insertWall)

	out, err := execute(t, "--config", cfg, "--session", "alice", "push", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "pushed 1 command(s) as session alice")
	assert.Contains(t, out, "entries:")
	assert.Contains(t, out, "watermark:")
}

func TestPush_InsertTwiceKeepsOneEntry(t *testing.T) {
	db := sharedStore(t)
	cfg := workspace(t, db)
	file := writeChanges(t, insertWall)

	var first, second PushOutput
	out, err := execute(t, "--config", cfg, "--session", "alice", "--format", "json", "push", "-f", file)
	require.NoError(t, err)
	decodeData(t, out, &first)
	out, err = execute(t, "--config", cfg, "--session", "alice", "--format", "json", "push", "-f", file)
	require.NoError(t, err)
	decodeData(t, out, &second)

	assert.Equal(t, 1, first.Commands)
	assert.Equal(t, "alice", first.SessionID)
	require.Len(t, first.EntryIDs, 1)
	assert.Equal(t, first.EntryIDs, second.EntryIDs, "insert merges into the existing entry")
	assert.True(t, first.WatermarkAdvanced)
}

func TestStatus_PendingThenConflict(t *testing.T) {
	db := sharedStore(t)
	alice := workspace(t, db)
	bob := workspace(t, db)

	_, err := execute(t, "--config", alice, "--session", "alice", "push", "-f", writeChanges(t, insertWall))
	require.NoError(t, err)

	out, err := execute(t, "--config", bob, "--session", "bob", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "status:   pending (yellow)")
	assert.Contains(t, out, "remote:   1 unacknowledged change(s)")

	modify := writeChanges(t, `changes:
  - type: modify
    id: "123"
    category: wall
    properties:
      name: W1-renamed
`)
	out, err = execute(t, "--config", bob, "--session", "bob", "status", "--file", modify)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "status_conflict", []byte(out))
}

func TestStatus_DeleteOnBothSidesIsNotAConflict(t *testing.T) {
	db := sharedStore(t)
	alice := workspace(t, db)
	bob := workspace(t, db)
	del := writeChanges(t, "changes:\n  - type: delete\n    id: \"123\"\n")

	_, err := execute(t, "--config", alice, "--session", "alice", "push", "-f", del)
	require.NoError(t, err)

	var status StatusOutput
	out, err := execute(t, "--config", bob, "--session", "bob", "--format", "json", "status", "--file", del)
	require.NoError(t, err)
	decodeData(t, out, &status)

	assert.Equal(t, ir.StatusYellow, status.Status)
	assert.Empty(t, status.Conflicts)
	assert.Equal(t, 1, status.PendingCount)
}

func TestPull_AppliesAndSavesModel(t *testing.T) {
	db := sharedStore(t)
	alice := workspace(t, db)
	bob := workspace(t, db)

	_, err := execute(t, "--config", alice, "--session", "alice", "push", "-f", writeChanges(t, insertWall))
	require.NoError(t, err)

	var res PullOutput
	out, err := execute(t, "--config", bob, "--session", "bob", "--format", "json", "pull")
	require.NoError(t, err)
	decodeData(t, out, &res)

	assert.Equal(t, "bob", res.SessionID)
	assert.Equal(t, 1, res.Entities)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, int64(1), res.Acknowledged)
	assert.False(t, res.Watermark.IsZero())

	snapshot, err := os.ReadFile(filepath.Join(filepath.Dir(bob), "state", "model.json"))
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), `"123"`)
	assert.Contains(t, string(snapshot), "W1")

	out, err = execute(t, "--config", bob, "--session", "bob", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "status:   clean (green)")

	out, err = execute(t, "--config", bob, "--session", "bob", "pull")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to pull for session bob.")
}

func TestAck_SelectedIDs(t *testing.T) {
	db := sharedStore(t)
	alice := workspace(t, db)
	bob := workspace(t, db)

	var pushed PushOutput
	out, err := execute(t, "--config", alice, "--session", "alice", "--format", "json", "push", "-f", writeChanges(t, `changes:
  - type: insert
    id: "1"
    category: wall
  - type: insert
    id: "2"
    category: wall
`))
	require.NoError(t, err)
	decodeData(t, out, &pushed)
	require.Len(t, pushed.EntryIDs, 2)

	var ack AckOutput
	out, err = execute(t, "--config", bob, "--session", "bob", "--format", "json",
		"ack", "--ids", formatID(pushed.EntryIDs[0]))
	require.NoError(t, err)
	decodeData(t, out, &ack)
	assert.Equal(t, int64(1), ack.Acknowledged)

	var status StatusOutput
	out, err = execute(t, "--config", bob, "--session", "bob", "--format", "json", "status")
	require.NoError(t, err)
	decodeData(t, out, &status)
	assert.Equal(t, 1, status.RemoteCount)

	out, err = execute(t, "--config", bob, "--session", "bob", "ack")
	require.NoError(t, err)
	assert.Contains(t, out, "acknowledged 1 entries as session bob")
}

func TestAck_InvalidBefore(t *testing.T) {
	cfg := workspace(t, sharedStore(t))
	_, err := execute(t, "--config", cfg, "ack", "--before", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGC_EmptyStore(t *testing.T) {
	cfg := workspace(t, sharedStore(t))

	var res GCOutput
	out, err := execute(t, "--config", cfg, "--format", "json", "gc")
	require.NoError(t, err)
	decodeData(t, out, &res)
	assert.Zero(t, res.StaleSessions)
	assert.Zero(t, res.Entries)

	out, err = execute(t, "--config", cfg, "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0 stale session(s), 0 change-log entries")
	assert.Contains(t, out, "cutoff: never")
}

func TestReplay_NothingFailed(t *testing.T) {
	cfg := workspace(t, sharedStore(t))

	out, err := execute(t, "--config", cfg, "--session", "alice", "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "No changes replayed for session alice.")
}

func TestSession_GeneratedIDIsRemembered(t *testing.T) {
	t.Setenv("GRAPHSYNC_USER", "")
	cfg := workspace(t, sharedStore(t))

	var first, second SessionInfo
	out, err := execute(t, "--config", cfg, "--format", "json", "session")
	require.NoError(t, err)
	decodeData(t, out, &first)
	out, err = execute(t, "--config", cfg, "--format", "json", "session")
	require.NoError(t, err)
	decodeData(t, out, &second)

	assert.True(t, strings.HasPrefix(first.ID, "tester-"), first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, first.Registered)
}

func TestSession_AfterPush(t *testing.T) {
	cfg := workspace(t, sharedStore(t))
	_, err := execute(t, "--config", cfg, "--session", "alice", "push", "-f", writeChanges(t, insertWall))
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "--session", "alice", "session")
	require.NoError(t, err)
	assert.Contains(t, out, "session:     alice")
	assert.Contains(t, out, "last sync:")
	assert.NotContains(t, out, "watermark:   never")

	out, err = execute(t, "--config", cfg, "session", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "alice  last sync")

	out, err = execute(t, "--config", cfg, "--session", "alice", "session", "--reset")
	require.NoError(t, err)
	assert.Contains(t, out, "session:     alice")
}
