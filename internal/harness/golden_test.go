package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"insert_merge", "debounce", "fail_fast_replay"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, load(t, name), WithLogger(zaptest.NewLogger(t).Sugar()))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestAssertGolden_ReusesResult(t *testing.T) {
	result := run(t, load(t, "insert_merge"))
	AssertGolden(t, "insert_merge", result)
}
