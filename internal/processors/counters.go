package processors

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Counter numbers every payload it sees across invocations.
type Counter struct {
	label string
	tag   string
	n     atomic.Int64
}

// NewCounter returns a Counter emitting "<label> n" under tag.
func NewCounter(label, tag string) *Counter {
	return &Counter{label: label, tag: tag}
}

// Process emits one numbered line per payload.
func (c *Counter) Process(_ context.Context, batch Batch, emit Emit) error {
	for range batch {
		n := c.n.Add(1)
		if err := emit(c.tag, fmt.Sprintf("%s %d", c.label, n)); err != nil {
			return err
		}
	}
	return nil
}

// Emits declares the single output tag.
func (c *Counter) Emits() []string { return []string{c.tag} }

// Count returns how many payloads have been seen.
func (c *Counter) Count() int64 { return c.n.Load() }

// CounterDefinitions returns the stateful counting processor types.
func CounterDefinitions() []Definition {
	return []Definition{
		{
			Name:        "counter",
			Description: `Emits "[COUNT] n" under counted for every payload`,
			Factory: func(map[string]any) (Processor, error) {
				return NewCounter("[COUNT]", "counted"), nil
			},
		},
		{
			Name:        "tally",
			Description: `Emits "[TALLY] n" under tally for every payload`,
			Factory: func(map[string]any) (Processor, error) {
				return NewCounter("[TALLY]", "tally"), nil
			},
		},
	}
}
