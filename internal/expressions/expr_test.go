package expressions

import (
	"context"
	"testing"

	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_RoutingRules(t *testing.T) {
	e := NewExprEngine()

	tests := []struct {
		name    string
		expr    string
		payload any
		want    any
	}{
		{"contains", `line contains "ERROR"`, "ERROR disk", true},
		{"ternary", `line contains "WARN" ? "warn" : "general"`, "WARN cpu", "warn"},
		{"structured", `payload.type == "bad"`, map[string]any{"type": "bad"}, true},
		{"upper", `upper(line)`, "abc", "ABC"},
		{"len", `len(line) > 2`, "ab", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, NewScope("start", tt.payload).Data())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_NilEnv(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), `1 + 2`, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Compile(`line contains`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `1 / params.zero`, NewScope("t", "x").WithParams(map[string]any{"zero": "nan"}).Data())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestExpr_CachesPrograms(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `tag == "a"`, NewScope("a", "").Data())
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}
