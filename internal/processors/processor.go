// Package processors defines the processing-node contract and the registry
// that resolves node type names into live processor instances.
package processors

import (
	"context"
	"iter"

	"github.com/rendis/tagflow/internal/expressions"
)

// Batch is the finite, single-use sequence of payloads buffered for one node.
// A processor must drain it before returning.
type Batch = iter.Seq[any]

// Emit hands one (tag, payload) pair to the engine. A non-nil error means the
// run is stopping and the processor must return it unchanged.
type Emit func(tag string, payload any) error

// Processor consumes a batch and emits zero or more tagged payloads.
// A processor that never calls emit is a sink.
type Processor interface {
	Process(ctx context.Context, batch Batch, emit Emit) error
}

// EmitsDeclarer is implemented by processors that can list every output tag
// they may emit. The engine validates declared tags before a run.
type EmitsDeclarer interface {
	Emits() []string
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, batch Batch, emit Emit) error

// Process calls f.
func (f Func) Process(ctx context.Context, batch Batch, emit Emit) error {
	return f(ctx, batch, emit)
}

// PerItem builds a processor that calls fn once per payload, stopping at the
// first error.
func PerItem(fn func(ctx context.Context, payload any, emit Emit) error) Func {
	return func(ctx context.Context, batch Batch, emit Emit) error {
		for payload := range batch {
			if err := fn(ctx, payload, emit); err != nil {
				return err
			}
		}
		return nil
	}
}

// Lines builds a per-item processor over the text form of each payload.
// fn returns the output tag and line; ok=false drops the payload.
func Lines(fn func(line string) (tag, out string, ok bool)) Func {
	return PerItem(func(_ context.Context, payload any, emit Emit) error {
		tag, out, ok := fn(expressions.Stringify(payload))
		if !ok {
			return nil
		}
		return emit(tag, out)
	})
}

// WithEmits attaches a declared output tag set to p.
func WithEmits(p Processor, tags ...string) Processor {
	return &declared{Processor: p, emits: append([]string(nil), tags...)}
}

type declared struct {
	Processor
	emits []string
}

func (d *declared) Emits() []string { return append([]string(nil), d.emits...) }

// DeclaredEmits returns p's declared output tags, or nil when it declares none.
func DeclaredEmits(p Processor) []string {
	if d, ok := p.(EmitsDeclarer); ok {
		return d.Emits()
	}
	return nil
}

// Info is a summary of a registered processor type for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
