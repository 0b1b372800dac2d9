package expressions

import "context"

// Engine evaluates expressions against a payload scope.
// Three implementations: CEL (predicates), Expr (routing rules), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
