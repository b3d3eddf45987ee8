package summarize

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/linguabridge/linguabridge/internal/fault"
)

// PromptSet maps summary styles to prompt templates. Templates receive
// {{.Text}} and {{.LengthHint}}.
type PromptSet struct {
	templates map[string]*template.Template
}

type promptFile struct {
	SummaryStyles map[string]struct {
		Template string `yaml:"template"`
	} `yaml:"summary_styles"`
}

type promptData struct {
	Text       string
	LengthHint string
}

// LoadPrompts reads the style-to-template mapping from a YAML file.
func LoadPrompts(path string) (*PromptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	var file promptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse prompt file: %w", err)
	}
	if len(file.SummaryStyles) == 0 {
		return nil, fmt.Errorf("prompt file %s defines no summary styles", path)
	}
	return buildPromptSet(func() map[string]string {
		out := make(map[string]string, len(file.SummaryStyles))
		for style, entry := range file.SummaryStyles {
			out[style] = entry.Template
		}
		return out
	}())
}

// DefaultPrompts returns the built-in style set used when no prompt file
// is configured on disk.
func DefaultPrompts() *PromptSet {
	set, err := buildPromptSet(map[string]string{
		"general":    "请对以下文本进行总结{{.LengthHint}}：\n\n{{.Text}}\n\n总结：",
		"key_points": "请提取以下文本的关键要点，以条目形式列出{{.LengthHint}}：\n\n{{.Text}}\n\n要点：",
		"brief":      "请用一两句话概括以下文本{{.LengthHint}}：\n\n{{.Text}}\n\n概括：",
	})
	if err != nil {
		panic(err)
	}
	return set
}

func buildPromptSet(raw map[string]string) (*PromptSet, error) {
	set := &PromptSet{templates: make(map[string]*template.Template, len(raw))}
	for style, text := range raw {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("style %q has an empty template", style)
		}
		tmpl, err := template.New(style).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template for style %q: %w", style, err)
		}
		set.templates[style] = tmpl
	}
	return set, nil
}

// Styles returns the configured style keys, sorted for deterministic
// listings.
func (p *PromptSet) Styles() []string {
	styles := make([]string, 0, len(p.templates))
	for style := range p.templates {
		styles = append(styles, style)
	}
	sort.Strings(styles)
	return styles
}

// Has reports whether the style is configured.
func (p *PromptSet) Has(style string) bool {
	_, ok := p.templates[style]
	return ok
}

// Render produces the prompt for one call. The text substitutes into the
// template exactly where {{.Text}} appears; maxLength > 0 adds a length
// instruction.
func (p *PromptSet) Render(style, text string, maxLength int) (string, error) {
	tmpl, ok := p.templates[style]
	if !ok {
		return "", fault.Newf(fault.ValidationError, "unsupported summary style %q", style)
	}
	hint := ""
	if maxLength > 0 {
		hint = fmt.Sprintf("，控制在%d字以内", maxLength)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, promptData{Text: text, LengthHint: hint}); err != nil {
		return "", fmt.Errorf("render prompt for style %q: %w", style, err)
	}
	return sb.String(), nil
}
