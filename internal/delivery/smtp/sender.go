// Package smtp delivers outreach email directly through an SMTP server.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	gomail "github.com/wneessen/go-mail"
)

const (
	defaultPort    = 587
	defaultTimeout = 15 * time.Second
)

// Config holds SMTP relay configuration.
type Config struct {
	Enabled     bool
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	Timeout     time.Duration
}

// Sender implements delivery.Gateway over SMTP.
// Replies are threaded with In-Reply-To and References, so the thread id
// of a conversation is the Message-ID of its initial email.
type Sender struct {
	config Config
}

var _ delivery.Gateway = (*Sender)(nil)

// NewSender creates a new SMTP sender.
func NewSender(config Config) (*Sender, error) {
	if config.Host == "" {
		return nil, errors.New("smtp sender: host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("smtp sender: from address is required")
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("smtp sender configured",
		"host", config.Host,
		"port", config.Port,
		"from_address", config.FromAddress,
	)

	return &Sender{config: config}, nil
}

// Send transmits one email and returns its Message-ID as acknowledgment.
func (s *Sender) Send(ctx context.Context, req delivery.Request) (*delivery.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	msg, err := s.buildMessage(req)
	if err != nil {
		return nil, err
	}

	opts := []gomail.Option{
		gomail.WithPort(s.config.Port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(s.config.Timeout),
	}
	if s.config.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.config.Username),
			gomail.WithPassword(s.config.Password),
		)
	}

	client, err := gomail.NewClient(s.config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, classify(err)
	}

	messageID := msg.GetMessageID()
	if messageID == "" {
		return nil, delivery.Ambiguous(0, "message was sent without a Message-ID")
	}

	threadID := messageID
	if req.ThreadRef != nil && req.ThreadRef.ThreadID != "" {
		threadID = req.ThreadRef.ThreadID
	}

	return &delivery.Receipt{MessageID: messageID, ThreadID: threadID}, nil
}

func (s *Sender) buildMessage(req delivery.Request) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.config.FromName, s.config.FromAddress); err != nil {
		return nil, delivery.Rejection(0, "invalid from address: %v", err)
	}
	if err := msg.To(req.Recipient); err != nil {
		return nil, delivery.DataError("invalid recipient address: %v", err)
	}
	msg.Subject(req.Subject)
	msg.SetBodyString(gomail.TypeTextHTML, req.Body)
	msg.SetMessageID()
	msg.SetDate()

	if req.EmailType.IsFollowup() && req.ThreadRef != nil && req.ThreadRef.MessageID != "" {
		msg.SetGenHeader(gomail.HeaderInReplyTo, req.ThreadRef.MessageID)
		msg.SetGenHeader(gomail.HeaderReferences, req.ThreadRef.MessageID)
	}

	return msg, nil
}

func classify(err error) error {
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return delivery.Transient(0, "smtp send: %v", err)
		}
		return delivery.Rejection(0, "smtp send: %v", err)
	}
	return delivery.Transient(0, "smtp send: %v", err)
}
