// Package openai generates personalized outreach copy with the OpenAI chat API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/outreach-engine/internal/content"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel        = openai.GPT4oMini
	defaultTimeout      = 60 * time.Second
	defaultMaxTokens    = 800
	defaultTemperature  = 0.7
	defaultMaxSiteChars = 6000
)

// Config holds generator configuration.
type Config struct {
	Enabled      bool
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxTokens    int
	MaxSiteChars int
}

// Generator implements content.Generator.
type Generator struct {
	config Config
	client *openai.Client
}

// NewGenerator creates a generator. Returns error if the API key is missing.
func NewGenerator(config Config) (*Generator, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai generator: API key is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.MaxSiteChars == 0 {
		config.MaxSiteChars = defaultMaxSiteChars
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	slog.Info("openai generator configured", "model", config.Model, "base_url", clientConfig.BaseURL)

	return &Generator{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

type completion struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Industry string `json:"industry"`
}

// Generate asks the model for a subject, a pitch paragraph and an industry tag.
func (g *Generator) Generate(ctx context.Context, req content.GenerateRequest) (*content.Generated, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.config.Model,
		MaxTokens:   g.config.MaxTokens,
		Temperature: defaultTemperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: g.userPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	var out completion
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}

	return &content.Generated{
		Subject:  strings.TrimSpace(out.Subject),
		Body:     strings.TrimSpace(out.Body),
		Industry: strings.TrimSpace(out.Industry),
	}, nil
}

const systemPrompt = `You write short, specific B2B outreach emails.
Respond with a JSON object with the keys "subject", "body" and "industry".
"body" is one or two plain-text paragraphs without greeting or signature.
"industry" is one of "Agrochemical", "Oil & Gas", "Lubricant" or "Other".`

func (g *Generator) userPrompt(req content.GenerateRequest) string {
	site := req.SiteContent
	if len(site) > g.config.MaxSiteChars {
		site = site[:g.config.MaxSiteChars]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Email type: %s\n", describe(req.EmailType))
	fmt.Fprintf(&b, "Recipient: %s", req.LeadName)
	if req.LeadTitle != "" {
		fmt.Fprintf(&b, " (%s)", req.LeadTitle)
	}
	fmt.Fprintf(&b, "\nCompany: %s\n", req.CompanyName)
	if req.Industry != "" {
		fmt.Fprintf(&b, "Stated industry: %s\n", req.Industry)
	}
	fmt.Fprintf(&b, "Mention the company by name and refer to something specific from its website.\n\nWebsite content:\n%s", site)
	return b.String()
}

func describe(t domain.EmailType) string {
	switch t {
	case domain.EmailTypeFollowup5:
		return "first follow-up, five days after an unanswered introduction"
	case domain.EmailTypeFollowup10:
		return "final follow-up, ten days after an unanswered introduction"
	default:
		return "first introduction"
	}
}
