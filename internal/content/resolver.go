// Package content resolves the subject and body of outreach messages.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bissquit/outreach-engine/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	defaultMinPersonalizedLength = 120
	defaultSenderName            = "The Outreach Team"
)

// MessageStore reads previously resolved messages.
type MessageStore interface {
	GetMessage(ctx context.Context, leadID string, emailType domain.EmailType) (*domain.Message, error)
}

// GenerateRequest is the context handed to a content generator.
type GenerateRequest struct {
	LeadName    string
	LeadTitle   string
	CompanyName string
	Industry    string
	SiteContent string
	EmailType   domain.EmailType
}

// Generated is the output of a content generator.
type Generated struct {
	Subject  string
	Body     string
	Industry string
}

// Generator produces personalized copy from lead context.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Generated, error)
}

// WebsiteFetcher returns extracted text for a company website.
type WebsiteFetcher interface {
	Fetch(ctx context.Context, domainOrURL string) (string, error)
}

// Config contains resolver configuration.
type Config struct {
	SenderName            string
	MinPersonalizedLength int
}

// Resolver obtains message content for a lead: cached, generated or templated.
type Resolver struct {
	config    Config
	store     MessageStore
	templates *Templates
	generator Generator
	website   WebsiteFetcher
}

// NewResolver creates a resolver. generator and website may be nil, in which
// case every message falls back to the static templates.
func NewResolver(config Config, store MessageStore, templates *Templates, generator Generator, website WebsiteFetcher) *Resolver {
	if config.SenderName == "" {
		config.SenderName = defaultSenderName
	}
	if config.MinPersonalizedLength <= 0 {
		config.MinPersonalizedLength = defaultMinPersonalizedLength
	}

	return &Resolver{
		config:    config,
		store:     store,
		templates: templates,
		generator: generator,
		website:   website,
	}
}

// Resolve returns the message for lead and emailType. It always succeeds:
// the static template is the terminal fallback.
func (r *Resolver) Resolve(ctx context.Context, lead *domain.Lead, emailType domain.EmailType, forceRegenerate bool) domain.Message {
	logger := slog.With("lead_id", lead.ID, "email_type", emailType)

	siteContent := r.fetchSite(ctx, lead, logger)

	if !forceRegenerate {
		if cached := r.cached(ctx, lead.ID, emailType, logger); cached != nil {
			// Site content only invalidates a message generated without it.
			if siteContent == "" || cached.WebsiteUsed {
				msg := *cached
				msg.Source = domain.MessageSourceCache
				return msg
			}
			logger.Info("site content available for unpersonalized message, regenerating")
		}
	}

	if siteContent != "" && r.generator != nil {
		msg, err := r.generate(ctx, lead, emailType, siteContent)
		if err == nil {
			return msg
		}
		logger.Warn("content generation failed, using template", "error", err)
	}

	return r.fallback(lead, emailType, logger)
}

func (r *Resolver) cached(ctx context.Context, leadID string, emailType domain.EmailType, logger *slog.Logger) *domain.Message {
	if r.store == nil {
		return nil
	}

	msg, err := r.store.GetMessage(ctx, leadID, emailType)
	if err != nil {
		if !errors.Is(err, domain.ErrMessageNotFound) {
			logger.Warn("failed to read cached message", "error", err)
		}
		return nil
	}
	return msg
}

func (r *Resolver) fetchSite(ctx context.Context, lead *domain.Lead, logger *slog.Logger) string {
	if r.website == nil {
		return ""
	}

	site := CompanyDomain(lead.Website)
	if site == "" {
		return ""
	}

	text, err := r.website.Fetch(ctx, lead.Website)
	if err != nil {
		logger.Warn("website fetch failed", "domain", site, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func (r *Resolver) generate(ctx context.Context, lead *domain.Lead, emailType domain.EmailType, siteContent string) (domain.Message, error) {
	gen, err := r.generator.Generate(ctx, GenerateRequest{
		LeadName:    leadName(lead),
		LeadTitle:   lead.Title,
		CompanyName: companyName(lead),
		Industry:    lead.Industry,
		SiteContent: siteContent,
		EmailType:   emailType,
	})
	if err != nil {
		return domain.Message{}, err
	}
	if gen == nil || strings.TrimSpace(gen.Subject) == "" || strings.TrimSpace(gen.Body) == "" {
		return domain.Message{}, errors.New("generator returned empty subject or body")
	}

	industry := MatchIndustry(gen.Industry)
	if industry == IndustryDefault {
		industry = MatchIndustry(lead.Industry)
	}

	body, err := r.templates.Render(emailType, industry, r.bindings(lead, strings.TrimSpace(gen.Body)))
	if err != nil {
		return domain.Message{}, err
	}

	return domain.Message{
		LeadID:       lead.ID,
		EmailType:    emailType,
		Subject:      strings.TrimSpace(gen.Subject),
		Body:         body,
		Personalized: r.isPersonalized(gen.Body, lead.CompanyName),
		WebsiteUsed:  true,
		Source:       domain.MessageSourceGenerated,
	}, nil
}

// isPersonalized rejects generated copy that never names the company or is
// too short to carry anything specific.
func (r *Resolver) isPersonalized(body, company string) bool {
	company = strings.TrimSpace(company)
	if company == "" {
		return false
	}
	if len(strings.TrimSpace(body)) < r.config.MinPersonalizedLength {
		return false
	}
	return strings.Contains(strings.ToLower(body), strings.ToLower(company))
}

func (r *Resolver) fallback(lead *domain.Lead, emailType domain.EmailType, logger *slog.Logger) domain.Message {
	company := companyName(lead)
	industry := MatchIndustry(lead.Industry)

	body, err := r.templates.Render(emailType, industry, r.bindings(lead, defaultPitch(emailType, company)))
	if err != nil {
		// Only reachable with a broken embedded template set.
		logger.Error("failed to render fallback template", "error", err)
		body = fmt.Sprintf("Hi %s,\n\n%s", greetingName(lead), defaultPitch(emailType, company))
	}

	return domain.Message{
		LeadID:    lead.ID,
		EmailType: emailType,
		Subject:   defaultSubject(emailType, company),
		Body:      body,
		Source:    domain.MessageSourceTemplate,
	}
}

func (r *Resolver) bindings(lead *domain.Lead, bodyContent string) Bindings {
	return Bindings{
		LeadName:    greetingName(lead),
		CompanyName: companyName(lead),
		BodyContent: bodyContent,
		SenderName:  r.config.SenderName,
	}
}

func defaultSubject(emailType domain.EmailType, company string) string {
	switch emailType {
	case domain.EmailTypeFollowup5:
		return fmt.Sprintf("Following up: collaboration with %s", company)
	case domain.EmailTypeFollowup10:
		return fmt.Sprintf("Closing the loop with %s", company)
	default:
		return fmt.Sprintf("Potential collaboration with %s", company)
	}
}

func defaultPitch(emailType domain.EmailType, company string) string {
	switch emailType {
	case domain.EmailTypeFollowup5:
		return fmt.Sprintf("I wanted to follow up on my note from last week about working with %s. I'd be glad to share a few ideas if that is useful.", company)
	case domain.EmailTypeFollowup10:
		return fmt.Sprintf("I'm reaching out one last time about a possible collaboration with %s.", company)
	default:
		return fmt.Sprintf("I hope this email finds you well. I came across %s and was impressed by your work. I'd love to explore potential collaboration opportunities.", company)
	}
}

// greetingName returns the first name, the mailbox name, or "there".
func greetingName(lead *domain.Lead) string {
	name := leadName(lead)
	if name == "" {
		return "there"
	}
	first := strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '.' || r == '_' || r == '-'
	})
	if len(first) == 0 {
		return "there"
	}
	return cases.Title(language.English).String(first[0])
}

func leadName(lead *domain.Lead) string {
	if name := strings.TrimSpace(lead.Name); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(lead.Email, "@"); ok && local != "" {
		return local
	}
	return ""
}

func companyName(lead *domain.Lead) string {
	if name := strings.TrimSpace(lead.CompanyName); name != "" {
		return name
	}
	return "your company"
}

// CompanyDomain extracts the host from a website URL.
func CompanyDomain(website string) string {
	site := strings.TrimSpace(website)
	site = strings.TrimPrefix(site, "https://")
	site = strings.TrimPrefix(site, "http://")
	host, _, _ := strings.Cut(site, "/")
	return strings.ToLower(host)
}
