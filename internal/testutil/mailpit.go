package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MailpitClient reads captured mail through the Mailpit REST API.
type MailpitClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMailpitClient creates a new Mailpit API client.
func NewMailpitClient(host string, port int) *MailpitClient {
	return &MailpitClient{
		baseURL:    fmt.Sprintf("http://%s:%d", host, port),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// MailpitMessage is a captured message summary.
type MailpitMessage struct {
	ID        string           `json:"ID"`
	MessageID string           `json:"MessageID"`
	To        []MailpitAddress `json:"To"`
	Subject   string           `json:"Subject"`
}

// MailpitAddress is an email address.
type MailpitAddress struct {
	Address string `json:"Address"`
	Name    string `json:"Name"`
}

type messagesResponse struct {
	Messages []MailpitMessage `json:"messages"`
}

// GetMessages returns all messages in the inbox, newest first.
func (c *MailpitClient) GetMessages() ([]MailpitMessage, error) {
	var result messagesResponse
	if err := c.get("/api/v1/messages", &result); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return result.Messages, nil
}

// Headers returns the raw headers of a message.
func (c *MailpitClient) Headers(id string) (map[string][]string, error) {
	headers := make(map[string][]string)
	if err := c.get("/api/v1/message/"+id+"/headers", &headers); err != nil {
		return nil, fmt.Errorf("get headers: %w", err)
	}
	return headers, nil
}

// WaitForMessages waits until at least count messages are received.
func (c *MailpitClient) WaitForMessages(count int, timeout time.Duration) ([]MailpitMessage, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		messages, err := c.GetMessages()
		if err == nil && len(messages) >= count {
			return messages, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	messages, _ := c.GetMessages()
	return messages, fmt.Errorf("timeout waiting for %d messages, got %d", count, len(messages))
}

func (c *MailpitClient) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
