// Package webhook delivers outreach email through an HTTP mail-relay webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Config holds webhook relay configuration.
// Follow-up URLs fall back to InitialURL when empty.
type Config struct {
	InitialURL         string
	FollowupFiveDayURL string
	FollowupTenDayURL  string
	Timeout            time.Duration
}

// Sender implements delivery.Gateway over a relay webhook.
type Sender struct {
	config     Config
	httpClient *http.Client
}

var _ delivery.Gateway = (*Sender)(nil)

// NewSender creates a new webhook sender.
func NewSender(config Config) (*Sender, error) {
	if config.InitialURL == "" {
		return nil, errors.New("webhook sender: initial URL is required")
	}
	if config.FollowupFiveDayURL == "" {
		config.FollowupFiveDayURL = config.InitialURL
	}
	if config.FollowupTenDayURL == "" {
		config.FollowupTenDayURL = config.InitialURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("webhook sender configured",
		"initial", maskURL(config.InitialURL),
		"followup_5day", maskURL(config.FollowupFiveDayURL),
		"followup_10day", maskURL(config.FollowupTenDayURL),
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type payload struct {
	EmailID       string `json:"email_id"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	GmailThreadID string `json:"gmail_thread_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
}

type relayResponse struct {
	Success       *bool  `json:"success"`
	MessageID     string `json:"message_id"`
	GmailThreadID string `json:"gmail_thread_id"`
	ThreadID      string `json:"thread_id"`
	Error         string `json:"error"`
	Message       string `json:"message"`
}

// Send posts the email to the relay for its type.
func (s *Sender) Send(ctx context.Context, req delivery.Request) (*delivery.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := payload{
		EmailID: req.Recipient,
		Subject: req.Subject,
		Body:    req.Body,
	}
	if req.EmailType.IsFollowup() && req.ThreadRef != nil {
		p.GmailThreadID = req.ThreadRef.ThreadID
		p.MessageID = req.ThreadRef.MessageID
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	target := s.urlFor(req.EmailType)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, delivery.Transient(0, "send request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, target)
}

func (s *Sender) urlFor(t domain.EmailType) string {
	switch t {
	case domain.EmailTypeFollowup5:
		return s.config.FollowupFiveDayURL
	case domain.EmailTypeFollowup10:
		return s.config.FollowupTenDayURL
	default:
		return s.config.InitialURL
	}
}

func (s *Sender) handleResponse(resp *http.Response, target string) (*delivery.Receipt, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, delivery.Transient(resp.StatusCode, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, delivery.Transient(resp.StatusCode, "rate limited")
	case resp.StatusCode >= 500:
		return nil, delivery.Transient(resp.StatusCode, "server error: %s", truncate(raw))
	case resp.StatusCode >= 400:
		return nil, delivery.Rejection(resp.StatusCode, "relay rejected request: %s", truncate(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, delivery.Ambiguous(resp.StatusCode, "unexpected status")
	}

	var out relayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, delivery.Ambiguous(resp.StatusCode, "response is not JSON: %s", truncate(raw))
	}

	if out.Success != nil && !*out.Success {
		reason := out.Error
		if reason == "" {
			reason = out.Message
		}
		if reason == "" {
			reason = "unknown error"
		}
		return nil, delivery.Rejection(resp.StatusCode, "relay reported failure: %s", reason)
	}

	if out.MessageID == "" {
		return nil, delivery.Ambiguous(resp.StatusCode, "relay response has no message_id")
	}

	threadID := out.GmailThreadID
	if threadID == "" {
		threadID = out.ThreadID
	}
	if threadID == "" {
		slog.Warn("relay response has no thread id", "webhook", maskURL(target), "message_id", out.MessageID)
	}

	slog.Debug("relay accepted email", "webhook", maskURL(target), "message_id", out.MessageID)

	return &delivery.Receipt{MessageID: out.MessageID, ThreadID: threadID}, nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// maskURL hides the path of a webhook URL, which usually carries a secret.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}
