package output

import (
	"fmt"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Render formats value. Tables and markdown support the record types of
// this module; JSON and YAML accept anything serializable.
func Render(format Format, value any) (string, error) {
	switch format {
	case FormatJSON:
		return renderJSON(value, true)
	case FormatYAML:
		return renderYAML(value)
	case FormatMarkdown:
		t, err := tableFor(value)
		if err != nil {
			return "", err
		}
		return t.RenderMarkdown(), nil
	default:
		t, err := tableFor(value)
		if err != nil {
			return "", err
		}
		return t.Render(), nil
	}
}
