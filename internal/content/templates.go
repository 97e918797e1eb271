package content

import (
	"embed"
	"fmt"
	"strings"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/osteele/liquid"
)

//go:embed templates/*.liquid
var templatesFS embed.FS

// Industry is a template family selected from a lead's industry tag.
type Industry string

// Template industries.
const (
	IndustryDefault      Industry = "default"
	IndustryAgrochemical Industry = "agrochemical"
	IndustryOilGas       Industry = "oil_gas"
	IndustryLubricant    Industry = "lubricant"
)

var industryAliases = map[string]Industry{
	"agrochemical":  IndustryAgrochemical,
	"agrochemicals": IndustryAgrochemical,
	"oil & gas":     IndustryOilGas,
	"oil and gas":   IndustryOilGas,
	"oil_gas":       IndustryOilGas,
	"lubricant":     IndustryLubricant,
	"lubricants":    IndustryLubricant,
}

// MatchIndustry maps a free-text industry tag to a template family.
func MatchIndustry(tag string) Industry {
	if ind, ok := industryAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return ind
	}
	return IndustryDefault
}

// Bindings are the variables available to every template.
type Bindings struct {
	LeadName    string
	CompanyName string
	BodyContent string
	SenderName  string
}

func (b Bindings) liquid() liquid.Bindings {
	return liquid.Bindings{
		"lead_name":    b.LeadName,
		"company_name": b.CompanyName,
		"body_content": b.BodyContent,
		"sender_name":  b.SenderName,
	}
}

// Templates holds the parsed static email templates.
type Templates struct {
	parsed map[string]*liquid.Template
}

// NewTemplates parses all embedded templates.
func NewTemplates() (*Templates, error) {
	engine := liquid.NewEngine()

	entries, err := templatesFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	t := &Templates{parsed: make(map[string]*liquid.Template, len(entries))}
	for _, entry := range entries {
		content, err := templatesFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}

		tpl, perr := engine.ParseString(string(content))
		if perr != nil {
			return nil, fmt.Errorf("parse template %s: %w", entry.Name(), perr)
		}

		t.parsed[strings.TrimSuffix(entry.Name(), ".liquid")] = tpl
	}

	return t, nil
}

// Render renders the body template for an email type and industry.
// Follow-ups share one template per type regardless of industry.
func (t *Templates) Render(emailType domain.EmailType, industry Industry, b Bindings) (string, error) {
	name := templateName(emailType, industry)

	tpl, ok := t.parsed[name]
	if !ok {
		tpl, ok = t.parsed[templateName(emailType, IndustryDefault)]
		if !ok {
			return "", fmt.Errorf("template not found: %s", name)
		}
	}

	out, err := tpl.RenderString(b.liquid())
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}

	return strings.TrimSpace(out), nil
}

func templateName(emailType domain.EmailType, industry Industry) string {
	if emailType.IsFollowup() {
		return string(emailType)
	}
	return fmt.Sprintf("%s_%s", domain.EmailTypeInitial, industry)
}
