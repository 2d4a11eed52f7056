package engine

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/graphsync/internal/testutil"
)

func TestUUIDv7Generator_ValidFormat(t *testing.T) {
	gen := UUIDv7Generator{}
	token := gen.Generate()

	assert.Equal(t, 36, len(token), "UUID should be 36 characters")

	parsed, err := uuid.Parse(token)
	require.NoError(t, err, "token should be valid UUID")
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_Uniqueness(t *testing.T) {
	gen := UUIDv7Generator{}
	const iterations = 1000

	tokens := make(map[string]bool, iterations)
	for i := 0; i < iterations; i++ {
		token := gen.Generate()
		require.False(t, tokens[token], "token %s generated twice", token)
		tokens[token] = true
	}
}

func TestNewSessionID(t *testing.T) {
	pid := os.Getpid()

	tests := []struct {
		user string
		want string
	}{
		{"alice", fmt.Sprintf("alice-%d-x1", pid)},
		{"  Bob Smith ", fmt.Sprintf("Bob_Smith-%d-x1", pid)},
		{"josé", fmt.Sprintf("josé-%d-x1", pid)},
		{"a/b\\c", fmt.Sprintf("abc-%d-x1", pid)},
		{"", fmt.Sprintf("anonymous-%d-x1", pid)},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			got := NewSessionID(tt.user, testutil.NewFixedGenerator("x1"))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	a := NewSessionID("alice", UUIDv7Generator{})
	b := NewSessionID("alice", UUIDv7Generator{})
	assert.NotEqual(t, a, b)
}
