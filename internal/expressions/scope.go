package expressions

import (
	"encoding/json"
	"fmt"
)

// Scope is the data an expression sees for one payload.
type Scope struct {
	Tag     string
	Payload any
	Params  map[string]any
}

// NewScope builds a Scope for payload delivered to tag.
func NewScope(tag string, payload any) Scope {
	return Scope{Tag: tag, Payload: payload}
}

// WithParams attaches node params, exposed as the params variable.
func (s Scope) WithParams(params map[string]any) Scope {
	s.Params = params
	return s
}

// Data returns the variables map handed to an Engine. The payload is
// converted to plain JSON-shaped values and deep-copied, so expressions can
// never mutate the caller's payload.
func (s Scope) Data() map[string]any {
	params := deepCopyMap(s.Params)
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"tag":     s.Tag,
		"line":    Stringify(s.Payload),
		"payload": Plain(s.Payload),
		"params":  params,
	}
}

// Stringify returns the text form of a payload: strings as-is, Stringers via
// String, JSON for structured values, fmt for everything else.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case []byte:
		return string(val)
	}
	if raw, err := json.Marshal(v); err == nil {
		return string(raw)
	}
	return fmt.Sprint(v)
}

// Plain converts v into maps, slices and scalars. Values that are not
// already in that shape go through a JSON round-trip; values JSON cannot
// represent fall back to their string form.
func Plain(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return val
	case map[string]any, []any, json.RawMessage:
		return deepCopyAny(val)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		// Decoded so expressions see structure rather than bytes.
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return string(val)
		}
		return out
	default:
		return v
	}
}
