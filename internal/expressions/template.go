package expressions

import (
	"sort"
	"strings"

	"github.com/rendis/tagflow/pkg/schema"
)

// Template is a parsed text template with ${{...}} references into a Scope.
// Available namespaces: tag, line, payload[.field...], params.<name>.
type Template struct {
	source string
	parts  []templatePart
}

type templatePart struct {
	literal string
	ref     string // empty for literal parts
}

// ParseTemplate splits source into literal text and ${{...}} references.
func ParseTemplate(source string) (*Template, error) {
	t := &Template{source: source}

	i := 0
	for i < len(source) {
		idx := strings.Index(source[i:], "${{")
		if idx == -1 {
			t.parts = append(t.parts, templatePart{literal: source[i:]})
			break
		}
		if idx > 0 {
			t.parts = append(t.parts, templatePart{literal: source[i : i+idx]})
		}
		start := i + idx + 3

		end := strings.Index(source[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression").
				WithDetails(map[string]any{"template": source})
		}
		end += start

		ref := strings.TrimSpace(source[start:end])
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}
		if err := checkNamespace(ref); err != nil {
			return nil, err
		}
		t.parts = append(t.parts, templatePart{ref: ref})
		i = end + 2
	}

	return t, nil
}

// Source returns the unparsed template text.
func (t *Template) Source() string { return t.source }

// Render resolves every reference against scope.
func (t *Template) Render(scope Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(t.source))

	var data map[string]any
	for _, p := range t.parts {
		if p.ref == "" {
			b.WriteString(p.literal)
			continue
		}
		if data == nil {
			data = scope.Data()
		}
		val, err := resolveRef(data, p.ref)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(val))
	}
	return b.String(), nil
}

var templateNamespaces = []string{"tag", "line", "payload", "params"}

func checkNamespace(ref string) error {
	ns, _, _ := strings.Cut(ref, ".")
	for _, known := range templateNamespaces {
		if ns == known {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeExpression,
		"unknown namespace %q in ${{%s}}; available: %s", ns, ref, strings.Join(templateNamespaces, ", ")).
		WithDetails(map[string]any{"expression": ref, "available_namespaces": templateNamespaces})
}

// resolveRef navigates into nested maps using a dot-delimited path.
func resolveRef(data map[string]any, ref string) (any, error) {
	segments := strings.Split(ref, ".")
	var current any = data

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"expression": ref})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": keys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"expression": ref})
		}
	}

	return current, nil
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
