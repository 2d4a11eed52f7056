package engine

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/roach88/graphsync/internal/ir"
)

// IDGenerator produces the random suffix of session ids.
// Implemented by UUIDv7Generator (production) and testutil.FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSessionID builds a globally unique session id: user, process id and a
// random suffix, e.g. "alice-4242-0190a3c2-...".
//
// The user name is NFC-normalized and stripped of characters other than
// letters, digits, '.', '_' and '-'.
func NewSessionID(user string, gen IDGenerator) string {
	return fmt.Sprintf("%s-%d-%s", sanitizeUser(user), os.Getpid(), gen.Generate())
}

func sanitizeUser(user string) string {
	user = ir.Normalize(strings.TrimSpace(user))
	var b strings.Builder
	for _, r := range user {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
