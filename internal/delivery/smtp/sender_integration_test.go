//go:build integration

package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/outreach-engine/internal/delivery"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/bissquit/outreach-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

func TestSender_DeliversThreadedFollowup(t *testing.T) {
	ctx := context.Background()
	mailpit, err := testutil.NewMailpitContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(mailpit) })

	sender, err := NewSender(Config{
		Enabled:     true,
		Host:        mailpit.SMTPHost,
		Port:        mailpit.SMTPPort,
		FromAddress: "sales@example.com",
		FromName:    "Sales",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	client := testutil.NewMailpitClient(mailpit.APIHost, mailpit.APIPort)

	initial, err := sender.Send(ctx, delivery.Request{
		Recipient: "jane@acme.com",
		Subject:   "Quick question",
		Body:      "<p>Hello Jane</p>",
		EmailType: domain.EmailTypeInitial,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, initial.MessageID)
	assert.Equal(t, initial.MessageID, initial.ThreadID)

	followup, err := sender.Send(ctx, delivery.Request{
		Recipient: "jane@acme.com",
		Subject:   "Re: Quick question",
		Body:      "<p>Following up</p>",
		EmailType: domain.EmailTypeFollowup5,
		ThreadRef: &domain.ThreadRef{ThreadID: initial.ThreadID, MessageID: initial.MessageID},
	})
	require.NoError(t, err)
	assert.Equal(t, initial.ThreadID, followup.ThreadID)
	assert.NotEqual(t, initial.MessageID, followup.MessageID)

	messages, err := client.WaitForMessages(2, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	var reply testutil.MailpitMessage
	for _, m := range messages {
		if strings.HasPrefix(m.Subject, "Re:") {
			reply = m
		}
	}
	require.NotEmpty(t, reply.ID)
	require.Len(t, reply.To, 1)
	assert.Equal(t, "jane@acme.com", reply.To[0].Address)

	headers, err := client.Headers(reply.ID)
	require.NoError(t, err)
	require.NotEmpty(t, headers["In-Reply-To"])
	assert.Equal(t, initial.MessageID, headers["In-Reply-To"][0])
	require.NotEmpty(t, headers["References"])
	assert.Equal(t, initial.MessageID, headers["References"][0])
}
