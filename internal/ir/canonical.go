package ir

import (
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode NFC form.
// Identifiers and property strings are normalized at the storage boundary so
// that visually identical names compare equal across sessions.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

// NormalizeProperties returns a deep copy of p with every string (keys and
// values) in NFC form. Nil input yields an empty map.
func NormalizeProperties(p Properties) Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[Normalize(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return Normalize(val)
	case []any:
		arr := make([]any, len(val))
		for i, elem := range val {
			arr[i] = normalizeValue(elem)
		}
		return arr
	case map[string]any:
		return map[string]any(NormalizeProperties(Properties(val)))
	case Properties:
		return NormalizeProperties(val)
	default:
		return v
	}
}

// MarshalProperties produces the stored form of a property set: NFC
// normalized, object keys sorted, no HTML escaping.
func MarshalProperties(p Properties) (string, error) {
	data, err := json.MarshalWithOption(NormalizeProperties(p), json.DisableHTMLEscape())
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// UnmarshalProperties parses the stored form of a property set.
func UnmarshalProperties(data string) (Properties, error) {
	if data == "" || data == "{}" {
		return Properties{}, nil
	}
	var p Properties
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return p, nil
}
