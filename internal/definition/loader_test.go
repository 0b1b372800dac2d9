package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rendis/tagflow/internal/validation"
	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flatYAML = `
name: severity
entry: start
max_steps: 50
nodes:
  - tag: start
    type: start.classify
  - tag: error
    type: filters.only_error
    params:
      emit: end
  - tag: long
    type: filters.min_length
    params: {min: 5}
    emits: [end]
routes:
  start:
    error: [error]
    default: [long]
  error:
    end: [end]
  long:
    default: [end]
`

const wrappedYAML = `
pipeline:
  entry: trim
  nodes:
    trim: trim
    tag: tagger.tag_lines
    count:
      type: counter
      params: {label: lines}
  routes:
    trim:
      default: [tag]
    tag:
      default: [count]
`

func TestDecode_FlatLayout(t *testing.T) {
	def, err := Decode([]byte(flatYAML))
	require.NoError(t, err)

	assert.Equal(t, "severity", def.Name)
	assert.Equal(t, "start", def.EntryTag())
	assert.Equal(t, "end", def.TerminalTag())
	assert.Equal(t, 50, def.StepLimit())
	assert.Equal(t, []string{"start", "error", "long"}, def.Tags())
	assert.Equal(t, map[string]any{"emit": "end"}, def.Nodes[1].Params)
	assert.Equal(t, map[string]any{"min": 5}, def.Nodes[2].Params)
	assert.Equal(t, []string{"end"}, def.Nodes[2].Emits)
	assert.Equal(t, []string{"long"}, def.Routes["start"]["default"])
}

func TestDecode_WrappedLayoutKeepsOrder(t *testing.T) {
	def, err := Decode([]byte(wrappedYAML))
	require.NoError(t, err)

	assert.Equal(t, "trim", def.Entry)
	assert.Equal(t, []string{"trim", "tag", "count"}, def.Tags())
	assert.Equal(t, "tagger.tag_lines", def.Nodes[1].Type)
	assert.Equal(t, "counter", def.Nodes[2].Type)
	assert.Equal(t, map[string]any{"label": "lines"}, def.Nodes[2].Params)
	assert.Equal(t, []string{"count"}, def.Routes["tag"]["default"])
}

func TestDecode_AcceptsJSON(t *testing.T) {
	def, err := Decode([]byte(`{"entry":"start","nodes":[{"tag":"start","type":"trim"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "trim", def.Nodes[0].Type)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "   \n", "empty"},
		{"not a mapping", "- a\n- b\n", "decode pipeline definition"},
		{"unknown field", "entry: start\nnodez: []\n", "nodez"},
		{"no nodes", "entry: start\n", "no nodes"},
		{"scalar nodes", "nodes: 3\n", "list or a mapping"},
		{"bad node value", "nodes:\n  start: [a, b]\n", `node "start"`},
		{"empty pipeline", "pipeline:\n", "pipeline mapping is empty"},
		{"bad routes", "nodes: [{tag: a, type: trim}]\nroutes: [1]\n", "decode pipeline definition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type allTypes struct{}

func (allTypes) Has(name string) bool { return !strings.HasPrefix(name, "missing.") }

func TestLoader_LoadValidates(t *testing.T) {
	v, err := validation.NewPipelineValidator(allTypes{})
	require.NoError(t, err)
	loader := NewLoader(v)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(flatYAML), 0o644))

	def, err := loader.Load(good)
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 3)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(flatYAML, "filters.only_error", "missing.type", 1)), 0o644))
	_, err = loader.Load(bad)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), `processor type "missing.type" not registered`)

	var tfErr *schema.TagflowError
	require.ErrorAs(t, err, &tfErr)
	assert.Equal(t, bad, tfErr.Details["path"])

	_, err = loader.Load(filepath.Join(dir, "absent.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestLoader_ReadWithoutValidator(t *testing.T) {
	def, err := NewLoader(nil).Read(strings.NewReader(wrappedYAML))
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 3)
}
