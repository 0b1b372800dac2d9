package processors

import (
	"context"
	"fmt"

	"github.com/rendis/tagflow/internal/expressions"
	"github.com/rendis/tagflow/internal/logging"
	"github.com/rendis/tagflow/pkg/schema"
)

// ExpressionDefinitions returns the processor types driven by CEL, Expr and jq.
func ExpressionDefinitions(deps Deps) []Definition {
	return []Definition{
		{
			Name:        "expr.route",
			Description: "Emits each payload under the tag of the first matching Expr rule; params: rules [{when, emit}], otherwise",
			Factory:     func(params map[string]any) (Processor, error) { return newExprRouter(deps.Expr, params) },
		},
		{
			Name:        "cel.filter",
			Description: "Passes payloads whose CEL predicate holds; params: expression, emit (default default), reject",
			Factory:     func(params map[string]any) (Processor, error) { return newCELFilter(deps.CEL, params) },
		},
		{
			Name:        "jq.transform",
			Description: "Reshapes payloads with a jq query, emitting every output; params: query, emit (default default)",
			Factory:     func(params map[string]any) (Processor, error) { return newJQTransform(deps.JQ, params) },
		},
	}
}

type routeRule struct {
	when string
	emit string
}

// ExprRouter picks an output tag per payload from ordered Expr rules.
type ExprRouter struct {
	engine    *expressions.ExprEngine
	rules     []routeRule
	otherwise string
}

func newExprRouter(engine *expressions.ExprEngine, params map[string]any) (*ExprRouter, error) {
	raw, err := listParam(params, "rules")
	if err != nil {
		return nil, err
	}
	otherwise, err := stringParam(params, "otherwise", "")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && otherwise == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "expr.route needs at least one rule or an otherwise tag")
	}

	r := &ExprRouter{engine: engine, otherwise: otherwise}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, paramErr(fmt.Sprintf("rules[%d]", i), "a mapping", item)
		}
		when, err := requiredString(m, "when")
		if err != nil {
			return nil, err
		}
		emit, err := requiredString(m, "emit")
		if err != nil {
			return nil, err
		}
		if err := engine.Compile(when); err != nil {
			return nil, err
		}
		r.rules = append(r.rules, routeRule{when: when, emit: emit})
	}
	return r, nil
}

// Process routes each payload independently.
func (r *ExprRouter) Process(ctx context.Context, batch Batch, emit Emit) error {
	stage := logging.Stage(ctx)
	for payload := range batch {
		tag, err := r.pick(ctx, expressions.NewScope(stage, payload).Data())
		if err != nil {
			return err
		}
		if tag == "" {
			continue
		}
		if err := emit(tag, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *ExprRouter) pick(ctx context.Context, data map[string]any) (string, error) {
	for _, rule := range r.rules {
		out, err := r.engine.Evaluate(ctx, rule.when, data)
		if err != nil {
			return "", err
		}
		matched, ok := out.(bool)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "rule %q returned %T, want bool", rule.when, out)
		}
		if matched {
			return rule.emit, nil
		}
	}
	return r.otherwise, nil
}

// Emits lists every rule target plus the fallback.
func (r *ExprRouter) Emits() []string {
	seen := make(map[string]bool)
	var tags []string
	add := func(tag string) {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	for _, rule := range r.rules {
		add(rule.emit)
	}
	add(r.otherwise)
	return tags
}

// CELFilter gates payloads on a CEL predicate.
type CELFilter struct {
	engine     *expressions.CELEngine
	expression string
	params     map[string]any
	emit       string
	reject     string
}

func newCELFilter(engine *expressions.CELEngine, params map[string]any) (*CELFilter, error) {
	expression, err := requiredString(params, "expression")
	if err != nil {
		return nil, err
	}
	emit, err := stringParam(params, "emit", TagDefault)
	if err != nil {
		return nil, err
	}
	reject, err := stringParam(params, "reject", "")
	if err != nil {
		return nil, err
	}
	if err := engine.Compile(expression); err != nil {
		return nil, err
	}
	return &CELFilter{engine: engine, expression: expression, params: params, emit: emit, reject: reject}, nil
}

// Process emits passing payloads under emit and failing ones under reject, if set.
func (f *CELFilter) Process(ctx context.Context, batch Batch, emit Emit) error {
	stage := logging.Stage(ctx)
	for payload := range batch {
		out, err := f.engine.Evaluate(ctx, f.expression, expressions.NewScope(stage, payload).WithParams(f.params).Data())
		if err != nil {
			return err
		}
		pass, ok := out.(bool)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeExpression, "predicate %q returned %T, want bool", f.expression, out)
		}
		tag := f.emit
		if !pass {
			tag = f.reject
		}
		if tag == "" {
			continue
		}
		if err := emit(tag, payload); err != nil {
			return err
		}
	}
	return nil
}

// Emits declares the pass tag and the reject tag when configured.
func (f *CELFilter) Emits() []string {
	if f.reject == "" {
		return []string{f.emit}
	}
	return []string{f.emit, f.reject}
}

// JQTransform reshapes payloads with a jq query.
type JQTransform struct {
	engine *expressions.GoJQEngine
	query  string
	emit   string
}

func newJQTransform(engine *expressions.GoJQEngine, params map[string]any) (*JQTransform, error) {
	query, err := requiredString(params, "query")
	if err != nil {
		return nil, err
	}
	emit, err := stringParam(params, "emit", TagDefault)
	if err != nil {
		return nil, err
	}
	if err := engine.Compile(query); err != nil {
		return nil, err
	}
	return &JQTransform{engine: engine, query: query, emit: emit}, nil
}

// Process emits every query output for every payload.
func (j *JQTransform) Process(ctx context.Context, batch Batch, emit Emit) error {
	for payload := range batch {
		outs, err := j.engine.Run(ctx, j.query, expressions.Plain(payload))
		if err != nil {
			return err
		}
		for _, out := range outs {
			if err := emit(j.emit, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Emits declares the single output tag.
func (j *JQTransform) Emits() []string { return []string{j.emit} }
