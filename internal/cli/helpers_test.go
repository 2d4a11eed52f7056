package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// workspace writes a graphsync.yaml for one editor workspace sharing the
// central store at storePath, and returns the config path.
func workspace(t *testing.T, storePath string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`user: tester
store:
  path: %s
cache:
  dir: cache
watermark:
  dir: state
model:
  path: state/model.json
logging:
  level: error
`, storePath)
	path := filepath.Join(dir, "graphsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func sharedStore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "central.db")
}

func writeChanges(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GRAPHSYNC_LOG_LEVEL", "error")
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData unmarshals the data field of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

const insertWall = `changes:
  - type: insert
    id: "123"
    category: wall
    properties:
      name: W1
`

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
