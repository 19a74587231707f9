package prompt

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/SYSTEM.md templates/examples.yaml
var templatesFS embed.FS

// Example is a question paired with the SQL it should produce.
type Example struct {
	ID       string   `yaml:"id"`
	Revenue  bool     `yaml:"revenue"`
	Keywords []string `yaml:"keywords"`
	Question string   `yaml:"question"`
	SQL      string   `yaml:"sql"`
}

func loadTemplate(path string) (string, error) {
	data, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func loadExamples() ([]Example, error) {
	data, err := templatesFS.ReadFile("templates/examples.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read examples: %w", err)
	}
	var file struct {
		Examples []Example `yaml:"examples"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse examples: %w", err)
	}
	for i := range file.Examples {
		file.Examples[i].SQL = strings.TrimSpace(file.Examples[i].SQL)
	}
	return file.Examples, nil
}
