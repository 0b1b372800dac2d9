package processors

import (
	"testing"

	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprRoute(t *testing.T) {
	reg := builtinRegistry(t, Deps{})
	p := mustNew(t, reg, "expr.route", map[string]any{
		"rules": []any{
			map[string]any{"when": `line contains "ERROR"`, "emit": "error"},
			map[string]any{"when": `line startsWith "WARN"`, "emit": "warn"},
		},
		"otherwise": "general",
	})

	out := runBatch(t, p, "start", "ERROR disk", "WARN cpu", "ok")
	assert.Equal(t, []emitted{{"error", "ERROR disk"}, {"warn", "WARN cpu"}, {"general", "ok"}}, out)
	assert.Equal(t, []string{"error", "warn", "general"}, DeclaredEmits(p))
}

func TestExprRoute_NoFallbackDrops(t *testing.T) {
	reg := builtinRegistry(t, Deps{})
	p := mustNew(t, reg, "expr.route", map[string]any{
		"rules": []any{map[string]any{"when": `payload.type == "bad"`, "emit": "quarantine"}},
	})

	out := runBatch(t, p, "n", map[string]any{"type": "bad"}, map[string]any{"type": "good"})
	require.Len(t, out, 1)
	assert.Equal(t, "quarantine", out[0].Tag)
	assert.Equal(t, map[string]any{"type": "bad"}, out[0].Payload)
}

func TestExprRoute_Errors(t *testing.T) {
	reg := builtinRegistry(t, Deps{})

	for _, params := range []map[string]any{
		nil,
		{"rules": "not a list"},
		{"rules": []any{"not a map"}},
		{"rules": []any{map[string]any{"when": "true"}}},
		{"rules": []any{map[string]any{"when": "line contains", "emit": "x"}}},
	} {
		_, err := reg.New("expr.route", params)
		assert.True(t, schema.IsCode(err, schema.ErrCodeResolution), "%v", params)
	}

	p := mustNew(t, reg, "expr.route", map[string]any{"rules": []any{map[string]any{"when": `"str"`, "emit": "x"}}})
	_, err := tryBatch(p, "n", "line")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCELFilter(t *testing.T) {
	reg := builtinRegistry(t, Deps{})
	p := mustNew(t, reg, "cel.filter", map[string]any{
		"expression": `size(line) >= params.min`,
		"min":        4,
		"emit":       "long",
		"reject":     "short",
	})

	out := runBatch(t, p, "f", "abcd", "ab")
	assert.Equal(t, []emitted{{"long", "abcd"}, {"short", "ab"}}, out)
	assert.Equal(t, []string{"long", "short"}, DeclaredEmits(p))

	gate := mustNew(t, reg, "cel.filter", map[string]any{"expression": `tag == "f" && line != ""`})
	assert.Equal(t, []emitted{{"default", "x"}}, runBatch(t, gate, "f", "x", ""))
	assert.Equal(t, []string{"default"}, DeclaredEmits(gate))
}

func TestCELFilter_Errors(t *testing.T) {
	reg := builtinRegistry(t, Deps{})

	_, err := reg.New("cel.filter", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
	_, err = reg.New("cel.filter", map[string]any{"expression": "line +"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))

	p := mustNew(t, reg, "cel.filter", map[string]any{"expression": `line`})
	_, err = tryBatch(p, "f", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestJQTransform(t *testing.T) {
	reg := builtinRegistry(t, Deps{})
	p := mustNew(t, reg, "jq.transform", map[string]any{"query": `.items[] | {name: .}`, "emit": "item"})

	out := runBatch(t, p, "jq", map[string]any{"items": []any{"a", "b"}})
	assert.Equal(t, []emitted{{"item", map[string]any{"name": "a"}}, {"item", map[string]any{"name": "b"}}}, out)

	_, err := reg.New("jq.transform", map[string]any{"query": ".["})
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))

	bad := mustNew(t, reg, "jq.transform", map[string]any{"query": `.x + 1`})
	_, err = tryBatch(bad, "jq", "not an object")
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}
