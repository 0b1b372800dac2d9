package processors

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rendis/tagflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memArchive struct {
	mu      sync.Mutex
	streams map[string][]string
}

func (m *memArchive) Append(_ context.Context, stream string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams == nil {
		m.streams = make(map[string][]string)
	}
	m.streams[stream] = append(m.streams[stream], lines...)
	return nil
}

func TestFileArchive_PathResolution(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{}
	reg := builtinRegistry(t, Deps{Getenv: func(k string) string { return env[k] }})

	p := mustNew(t, reg, "archive.file", nil)
	assert.Equal(t, DefaultArchivePath, p.(*FileArchive).Path())

	env[ArchivePathEnv] = filepath.Join(dir, "env.log")
	p = mustNew(t, reg, "archive.file", nil)
	assert.Equal(t, env[ArchivePathEnv], p.(*FileArchive).Path())

	explicit := filepath.Join(dir, "explicit.log")
	p = mustNew(t, reg, "archive.file", map[string]any{"path": explicit})
	assert.Equal(t, explicit, p.(*FileArchive).Path())
}

func TestFileArchive_AppendsAndEmitsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archive.log")
	reg := builtinRegistry(t, Deps{})
	p := mustNew(t, reg, "archive.file", map[string]any{"path": path})

	assert.Empty(t, runBatch(t, p, "archive", "ERROR disk", "ERROR net"))
	assert.Empty(t, runBatch(t, p, "archive", "ERROR cpu"))
	assert.Empty(t, runBatch(t, p, "archive"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR disk\nERROR net\nERROR cpu\n", string(data))
	assert.Empty(t, DeclaredEmits(p))
}

func TestDBArchive(t *testing.T) {
	reg := builtinRegistry(t, Deps{})
	_, err := reg.New("archive.libsql", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))

	mem := &memArchive{}
	reg = builtinRegistry(t, Deps{Archive: mem})

	byTag := mustNew(t, reg, "archive.libsql", nil)
	assert.Empty(t, runBatch(t, byTag, "errors_archive", "a", "b"))

	named := mustNew(t, reg, "archive.libsql", map[string]any{"stream": "audit"})
	assert.Empty(t, runBatch(t, named, "whatever", "c"))

	assert.Equal(t, map[string][]string{
		"errors_archive": {"a", "b"},
		"audit":          {"c"},
	}, mem.streams)
}
