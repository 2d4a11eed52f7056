package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{" warn ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	for _, f := range []Format{FormatConsole, FormatJSON, "JSON", ""} {
		l, err := New("debug", f)
		require.NoError(t, err, "format %q", f)
		assert.True(t, l.Desugar().Core().Enabled(zapcore.DebugLevel))
	}

	_, err := New("info", "xml")
	assert.Error(t, err)
	_, err = New("verbose", FormatJSON)
	assert.Error(t, err)
}

func TestFor(t *testing.T) {
	assert.NotNil(t, For(nil, "push"))
}
