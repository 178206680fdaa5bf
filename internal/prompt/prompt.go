// Package prompt renders the model prompts cqllm sends. Built-in templates
// are embedded in the binary and any of them can be replaced from a YAML
// file without rebuilding.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/Arashiailing/CQLLM/internal/logging"
)

//go:embed templates/defaults.yaml
var defaultsYAML []byte

// Template names.
const (
	System                = "system"
	Augment               = "augment"
	AugmentFeedback       = "augment_feedback"
	Generate              = "generate"
	GenerateFeedback      = "generate_feedback"
	Classify              = "classify"
	AlpacaInstruction     = "alpaca_instruction"
	AlpacaInput           = "alpaca_input"
	CompletionInstruction = "completion_instruction"
)

// AugmentData feeds Augment and AugmentFeedback.
type AugmentData struct {
	Code       string
	Diagnostic string
}

// GenerateData feeds Generate and GenerateFeedback.
type GenerateData struct {
	CWE             string
	VulType         string
	Name            string
	Description     string
	QueryID         string
	RestrictImports bool

	Code       string
	Diagnostic string
}

// ClassifyData feeds Classify.
type ClassifyData struct {
	Labels     []string
	OtherLabel string
	NoneLabel  string
	Path       string
	Truncated  bool
	Content    string
}

// Set is a parsed collection of templates.
type Set struct {
	raw  map[string]string
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Default returns the built-in templates.
func Default() *Set {
	s, err := parse(nil)
	if err != nil {
		panic(fmt.Sprintf("prompt: built-in templates invalid: %v", err))
	}
	return s
}

// Load returns the built-in templates overlaid with the entries in path.
// An empty path yields the defaults.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	logging.Boot("Loaded %d prompt overrides from %s", len(overrides), path)
	return parse(overrides)
}

func parse(overrides map[string]string) (*Set, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
		return nil, err
	}
	for name, text := range overrides {
		if _, known := raw[name]; !known {
			return nil, fmt.Errorf("unknown prompt template %q", name)
		}
		raw[name] = text
	}

	root := template.New("").Funcs(funcs).Option("missingkey=error")
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := root.New(name).Parse(raw[name]); err != nil {
			return nil, fmt.Errorf("prompt template %q: %w", name, err)
		}
	}
	return &Set{raw: raw, tmpl: root}, nil
}

// Render executes the named template.
func (s *Set) Render(name string, data any) (string, error) {
	t := s.tmpl.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// SystemPrompt returns the rendered system prompt.
func (s *Set) SystemPrompt() string {
	out, err := s.Render(System, nil)
	if err != nil {
		return ""
	}
	return out
}

// Names lists the available templates.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.raw))
	for name := range s.raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Raw returns the unparsed text of a template.
func (s *Set) Raw(name string) (string, bool) {
	text, ok := s.raw[name]
	return text, ok
}
