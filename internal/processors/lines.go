package processors

import (
	"context"
	"strings"

	"github.com/rendis/tagflow/internal/expressions"
	"github.com/rendis/tagflow/internal/logging"
	"github.com/rendis/tagflow/pkg/schema"
)

// Output tags used by the line processors.
const (
	TagError   = "error"
	TagWarn    = "warn"
	TagGeneral = "general"
	TagDefault = schema.DefaultRouteKey
	TagPrint   = "print"
)

// LineDefinitions returns the text-oriented processor types.
func LineDefinitions() []Definition {
	return []Definition{
		{
			Name:        "start.classify",
			Description: "Tags lines containing ERROR as error, WARN as warn, everything else as general",
			Factory: func(map[string]any) (Processor, error) {
				return WithEmits(Lines(classifyExact), TagError, TagWarn, TagGeneral), nil
			},
		},
		{
			Name:        "tagger.tag_lines",
			Description: "Case-insensitive variant of start.classify",
			Factory: func(map[string]any) (Processor, error) {
				return WithEmits(Lines(classifyFold), TagError, TagWarn, TagGeneral), nil
			},
		},
		{
			Name:        "filters.only_error",
			Description: `Passes lines containing ERROR as "[ERROR]: <line>"; params: emit (default end)`,
			Factory:     markerFilter("ERROR"),
		},
		{
			Name:        "filters.only_warn",
			Description: `Passes lines containing WARN as "[WARN]: <line>"; params: emit (default end)`,
			Factory:     markerFilter("WARN"),
		},
		{
			Name:        "filters.min_length",
			Description: "Passes lines with at least min characters; params: min (default 1), emit (default default)",
			Factory:     newMinLength,
		},
		{
			Name:        "formatters.snake_case",
			Description: "Lowercases lines and replaces spaces with underscores; params: emit (default end)",
			Factory: func(params map[string]any) (Processor, error) {
				emit, err := stringParam(params, "emit", schema.DefaultTerminalTag)
				if err != nil {
					return nil, err
				}
				return WithEmits(Lines(func(line string) (string, string, bool) {
					return emit, strings.ToLower(strings.ReplaceAll(line, " ", "_")), true
				}), emit), nil
			},
		},
		{
			Name:        "formatters.prefix",
			Description: `Prepends a prefix to each line; params: prefix (default "[MSG] "), emit (default print)`,
			Factory: func(params map[string]any) (Processor, error) {
				prefix, err := stringParam(params, "prefix", "[MSG] ")
				if err != nil {
					return nil, err
				}
				emit, err := stringParam(params, "emit", TagPrint)
				if err != nil {
					return nil, err
				}
				return WithEmits(Lines(func(line string) (string, string, bool) {
					return emit, prefix + line, true
				}), emit), nil
			},
		},
		{
			Name:        "formatters.template",
			Description: "Renders a ${{...}} template over tag, line, payload and params; params: template, emit (default default)",
			Factory:     newTemplateFormatter,
		},
		{
			Name:        "trim",
			Description: "Strips surrounding whitespace and emits under default",
			Factory: func(map[string]any) (Processor, error) {
				return WithEmits(Lines(func(line string) (string, string, bool) {
					return TagDefault, strings.TrimSpace(line), true
				}), TagDefault), nil
			},
		},
		{
			Name:        "sink.discard",
			Description: "Consumes payloads and emits nothing",
			Factory: func(map[string]any) (Processor, error) {
				return WithEmits(Func(func(_ context.Context, batch Batch, _ Emit) error {
					for range batch {
					}
					return nil
				})), nil
			},
		},
	}
}

func classifyExact(line string) (string, string, bool) {
	switch {
	case strings.Contains(line, "ERROR"):
		return TagError, line, true
	case strings.Contains(line, "WARN"):
		return TagWarn, line, true
	default:
		return TagGeneral, line, true
	}
}

func classifyFold(line string) (string, string, bool) {
	low := strings.ToLower(line)
	switch {
	case strings.Contains(low, "error"):
		return TagError, line, true
	case strings.Contains(low, "warn"):
		return TagWarn, line, true
	default:
		return TagGeneral, line, true
	}
}

func markerFilter(marker string) Factory {
	return func(params map[string]any) (Processor, error) {
		emit, err := stringParam(params, "emit", schema.DefaultTerminalTag)
		if err != nil {
			return nil, err
		}
		label := "[" + marker + "]: "
		return WithEmits(Lines(func(line string) (string, string, bool) {
			if !strings.Contains(line, marker) {
				return "", "", false
			}
			return emit, label + line, true
		}), emit), nil
	}
}

func newMinLength(params map[string]any) (Processor, error) {
	minLen, err := intParam(params, "min", 1)
	if err != nil {
		return nil, err
	}
	if minLen < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "param \"min\" must be >= 0, got %d", minLen)
	}
	emit, err := stringParam(params, "emit", TagDefault)
	if err != nil {
		return nil, err
	}
	return WithEmits(Lines(func(line string) (string, string, bool) {
		return emit, line, len([]rune(line)) >= minLen
	}), emit), nil
}

func newTemplateFormatter(params map[string]any) (Processor, error) {
	source, err := requiredString(params, "template")
	if err != nil {
		return nil, err
	}
	tpl, err := expressions.ParseTemplate(source)
	if err != nil {
		return nil, err
	}
	emit, err := stringParam(params, "emit", TagDefault)
	if err != nil {
		return nil, err
	}
	return WithEmits(PerItem(func(ctx context.Context, payload any, e Emit) error {
		out, err := tpl.Render(expressions.NewScope(logging.Stage(ctx), payload).WithParams(params))
		if err != nil {
			return err
		}
		return e(emit, out)
	}), emit), nil
}
