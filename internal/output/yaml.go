package output

import (
	"strings"

	"gopkg.in/yaml.v3"
)

func renderYAML(value any) (string, error) {
	data, err := yaml.Marshal(value)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}
