package processors

import (
	"log/slog"
	"os"

	"github.com/rendis/tagflow/internal/expressions"
)

// Deps carries the shared collaborators builtin factories need.
type Deps struct {
	Logger *slog.Logger
	// Archive backs archive.libsql nodes. Nil leaves that type unresolvable.
	Archive Archiver
	// Getenv reads ARCHIVE_LOG_PATH. Defaults to os.Getenv.
	Getenv func(string) string

	CEL  *expressions.CELEngine
	Expr *expressions.ExprEngine
	JQ   *expressions.GoJQEngine
}

func (d *Deps) defaults() error {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if d.Getenv == nil {
		d.Getenv = os.Getenv
	}
	if d.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return err
		}
		d.CEL = cel
	}
	if d.Expr == nil {
		d.Expr = expressions.NewExprEngine()
	}
	if d.JQ == nil {
		d.JQ = expressions.NewGoJQEngine()
	}
	return nil
}

// RegisterBuiltins registers all built-in processor types in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if err := deps.defaults(); err != nil {
		return err
	}

	all := make([]Definition, 0, 24)

	// Line classification and filtering.
	all = append(all, LineDefinitions()...)

	// Stateful counters.
	all = append(all, CounterDefinitions()...)

	// Expression-driven routing and transforms.
	all = append(all, ExpressionDefinitions(deps)...)

	// Archive sinks.
	all = append(all, ArchiveDefinitions(deps)...)

	for _, d := range all {
		if err := reg.Register(d.Name, d.Factory, d.Description); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry holding every builtin.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}
