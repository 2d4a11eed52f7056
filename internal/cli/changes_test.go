package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphsync/internal/ir"
)

func TestLoadChangeFile(t *testing.T) {
	path := writeChanges(t, `changes:
  - type: Insert
    id: "10"
    category: level
    properties:
      name: Level 1
  - type: modify
    id: "11"
    category: wall
    container: "10"
  - type: DELETE
    id: "12"
`)

	f, err := LoadChangeFile(path)
	require.NoError(t, err)
	require.Len(t, f.Changes, 3)
	assert.Equal(t, "Level 1", f.Changes[0].Properties["name"])
	assert.Equal(t, "10", f.Changes[1].Container)
	assert.Equal(t, "12", f.Changes[2].ID)
}

func TestLoadChangeFile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown type", "changes:\n  - type: move\n    id: \"1\"\n", "unknown change type"},
		{"missing id", "changes:\n  - type: delete\n", "id is required"},
		{"insert without category", "changes:\n  - type: insert\n    id: \"1\"\n", "category is required"},
		{"not yaml", "changes: [", "parse change file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadChangeFile(writeChanges(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseChangeType_AnyCase(t *testing.T) {
	for in, want := range map[string]ir.ChangeType{
		"insert": ir.ChangeInsert,
		"Modify": ir.ChangeModify,
		"DELETE": ir.ChangeDelete,
	} {
		got, err := parseChangeType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
