package processors

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/rendis/tagflow/internal/logging"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Tag     string
	Payload any
}

// runBatch invokes p once over payloads as node tag and returns the emissions.
func runBatch(t *testing.T, p Processor, tag string, payloads ...any) []emitted {
	t.Helper()
	out, err := tryBatch(p, tag, payloads...)
	require.NoError(t, err)
	return out
}

func tryBatch(p Processor, tag string, payloads ...any) ([]emitted, error) {
	var out []emitted
	ctx := logging.WithStage(context.Background(), tag)
	err := p.Process(ctx, slices.Values(payloads), func(tag string, payload any) error {
		out = append(out, emitted{Tag: tag, Payload: payload})
		return nil
	})
	return out, err
}

func mustNew(t *testing.T, reg *Registry, name string, params map[string]any) Processor {
	t.Helper()
	p, err := reg.New(name, params)
	require.NoError(t, err)
	return p
}

func builtinRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	reg, err := NewDefaultRegistry(deps)
	require.NoError(t, err)
	return reg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
