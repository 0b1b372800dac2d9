package expressions

import (
	"testing"

	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Render(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		payload any
		params  map[string]any
		want    string
	}{
		{"literal only", "[MSG] fixed", "x", nil, "[MSG] fixed"},
		{"line", "[MSG] ${{line}}", "disk full", nil, "[MSG] disk full"},
		{"tag and line", "[${{ tag }}]: ${{line}}", "boom", nil, "[error]: boom"},
		{"payload field", "id=${{payload.id}} type=${{payload.type}}", map[string]any{"id": 3, "type": "good"}, nil, "id=3 type=good"},
		{"params", "${{params.prefix}}${{line}}", "x", map[string]any{"prefix": ">> "}, ">> x"},
		{"nested object", "${{payload.meta}}", map[string]any{"meta": map[string]any{"a": 1}}, nil, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := ParseTemplate(tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.source, tpl.Source())

			out, err := tpl.Render(NewScope("error", tt.payload).WithParams(tt.params))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestParseTemplate_Errors(t *testing.T) {
	for _, src := range []string{"${{line", "${{ }}", "${{ ${{line}} }}", "${{steps.x}}"} {
		_, err := ParseTemplate(src)
		require.Error(t, err, src)
		assert.True(t, schema.IsCode(err, schema.ErrCodeExpression), src)
	}
}

func TestTemplate_RenderMissingField(t *testing.T) {
	tpl, err := ParseTemplate("${{payload.nope}}")
	require.NoError(t, err)

	_, err = tpl.Render(NewScope("t", map[string]any{"a": 1}))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
	assert.Contains(t, err.Error(), "available: [a]")

	_, err = tpl.Render(NewScope("t", "plain"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-object")
}
