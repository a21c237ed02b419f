package prompts

import (
	"bytes"
	"fmt"
	"text/template"
)

// Template represents a prompt template rendered with Go's text/template
type Template struct {
	ID      string
	Name    string
	Content string
	Version string

	// Parsed template (cached)
	parsed *template.Template
}

// TemplateOption is a function that configures a template
type TemplateOption func(*Template)

// WithVersion sets the template version
func WithVersion(version string) TemplateOption {
	return func(t *Template) {
		t.Version = version
	}
}

// New creates a new template
func New(id string, name string, content string, options ...TemplateOption) *Template {
	tmpl := &Template{
		ID:      id,
		Name:    name,
		Content: content,
		Version: "1.0.0",
	}

	for _, option := range options {
		option(tmpl)
	}

	return tmpl
}

// Parse compiles the template, reporting syntax errors early
func (t *Template) Parse() error {
	if t.parsed != nil {
		return nil
	}
	parsed, err := template.New(t.ID).Option("missingkey=error").Parse(t.Content)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", t.ID, err)
	}
	t.parsed = parsed
	return nil
}

// Render renders the template with the given data. Referencing a key that is
// not in data is an error.
func (t *Template) Render(data map[string]interface{}) (string, error) {
	if err := t.Parse(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", t.ID, err)
	}

	return buf.String(), nil
}
