package processors

import (
	"fmt"
	"math"

	"github.com/rendis/tagflow/pkg/schema"
)

// Node params arrive from YAML or JSON, so numbers may be int, int64, uint64
// or float64. These helpers normalize them and report bad values as
// CONFIGURATION_ERRORs.

func stringParam(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", paramErr(key, "a string", v)
	}
	return s, nil
}

func requiredString(params map[string]any, key string) (string, error) {
	s, err := stringParam(params, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "param %q is required", key)
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, paramErr(key, "an integer", v)
		}
		return int(n), nil
	default:
		return 0, paramErr(key, "an integer", v)
	}
}

func listParam(params map[string]any, key string) ([]any, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, paramErr(key, "a list", v)
	}
	return list, nil
}

func paramErr(key, want string, got any) *schema.TagflowError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "param %q must be %s, got %T", key, want, got).
		WithDetails(map[string]any{"param": key, "value": fmt.Sprint(got)})
}
