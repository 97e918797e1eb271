package smtp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSender(t *testing.T) *Sender {
	t.Helper()
	s, err := NewSender(Config{Host: "smtp.example.com", FromAddress: "sales@example.com", FromName: "Sales"})
	require.NoError(t, err)
	return s
}

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Host: "smtp.example.com", FromAddress: "a@example.com"}, false},
		{"missing host", Config{FromAddress: "a@example.com"}, true},
		{"missing from", Config{Host: "smtp.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSender(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	s := testSender(t)
	assert.Equal(t, defaultPort, s.config.Port)
	assert.Equal(t, defaultTimeout, s.config.Timeout)
}

func TestSender_BuildMessage_Initial(t *testing.T) {
	s := testSender(t)

	msg, err := s.buildMessage(delivery.Request{
		Recipient: "jo@acme.com",
		Subject:   "Hello",
		Body:      "<p>Hi</p>",
		EmailType: domain.EmailTypeInitial,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "Subject: Hello")
	assert.Contains(t, raw, "jo@acme.com")
	assert.NotContains(t, raw, "In-Reply-To")
	assert.NotEmpty(t, msg.GetMessageID())
}

func TestSender_BuildMessage_FollowupThreads(t *testing.T) {
	s := testSender(t)

	msg, err := s.buildMessage(delivery.Request{
		Recipient: "jo@acme.com",
		Subject:   "Re: Hello",
		Body:      "<p>Following up</p>",
		EmailType: domain.EmailTypeFollowup5,
		ThreadRef: &domain.ThreadRef{ThreadID: "<first@example.com>", MessageID: "<first@example.com>"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "In-Reply-To: <first@example.com>")
	assert.Contains(t, raw, "References: <first@example.com>")
}

func TestSender_BuildMessage_InvalidRecipient(t *testing.T) {
	s := testSender(t)

	_, err := s.buildMessage(delivery.Request{
		Recipient: "not an address",
		Subject:   "Hello",
		Body:      "Hi",
	})

	require.Error(t, err)
	assert.Equal(t, domain.FailureData, delivery.CategoryOf(err))
}

func TestSender_Send_EmptyRecipient(t *testing.T) {
	s := testSender(t)

	_, err := s.Send(context.Background(), delivery.Request{Subject: "Hello", Body: "Hi"})

	require.Error(t, err)
	assert.Equal(t, domain.FailureData, delivery.CategoryOf(err))
}

func TestClassify_PlainErrorIsTransient(t *testing.T) {
	err := classify(errors.New("dial tcp: connection refused"))
	assert.Equal(t, domain.FailureTransient, delivery.CategoryOf(err))
}
