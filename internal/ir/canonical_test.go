package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalProperties_SortedAndNormalized(t *testing.T) {
	// "é" as e + combining acute accent (NFD) must be stored as U+00E9 (NFC).
	p := Properties{
		"zeta":  "x<y",
		"alpha": "cafe\u0301",
	}
	s, err := MarshalProperties(p)
	require.NoError(t, err)
	assert.Equal(t, "{\"alpha\":\"caf\u00e9\",\"zeta\":\"x<y\"}", s)
}

func TestUnmarshalProperties_Empty(t *testing.T) {
	p, err := UnmarshalProperties("")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Empty(t, p)
}

func TestNormalizeProperties_Nested(t *testing.T) {
	p := NormalizeProperties(Properties{
		"tags": []any{"cafe\u0301"},
		"meta": map[string]any{"k": "cafe\u0301"},
	})
	assert.Equal(t, "caf\u00e9", p["tags"].([]any)[0])
	assert.Equal(t, "caf\u00e9", p["meta"].(map[string]any)["k"])
}

func TestPayloadDigest(t *testing.T) {
	a := PayloadDigest([]byte("payload"))
	b := PayloadDigest([]byte("payload"))
	c := PayloadDigest([]byte("payload2"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
