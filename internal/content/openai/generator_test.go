package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/outreach-engine/internal/content"
	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, messageContent string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "Company: Acme")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": messageContent},
			}},
		})
	}))
}

func TestNewGenerator_RequiresKey(t *testing.T) {
	_, err := NewGenerator(Config{})
	assert.Error(t, err)
}

func TestNewGenerator_Defaults(t *testing.T) {
	g, err := NewGenerator(Config{APIKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, defaultModel, g.config.Model)
	assert.Equal(t, defaultTimeout, g.config.Timeout)
	assert.Equal(t, defaultMaxTokens, g.config.MaxTokens)
}

func TestGenerator_Generate_Success(t *testing.T) {
	server := chatServer(t, http.StatusOK, `{"subject":" Hello Acme ","body":"Acme does great work.","industry":"Lubricant"}`)
	defer server.Close()

	g, err := NewGenerator(Config{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), content.GenerateRequest{
		LeadName:    "Jo",
		CompanyName: "Acme",
		SiteContent: "We blend oils.",
		EmailType:   domain.EmailTypeInitial,
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello Acme", out.Subject)
	assert.Equal(t, "Acme does great work.", out.Body)
	assert.Equal(t, "Lubricant", out.Industry)
}

func TestGenerator_Generate_InvalidJSON(t *testing.T) {
	server := chatServer(t, http.StatusOK, "not json")
	defer server.Close()

	g, err := NewGenerator(Config{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), content.GenerateRequest{CompanyName: "Acme"})
	assert.Error(t, err)
}

func TestGenerator_Generate_APIError(t *testing.T) {
	server := chatServer(t, http.StatusTooManyRequests, "")
	defer server.Close()

	g, err := NewGenerator(Config{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), content.GenerateRequest{CompanyName: "Acme"})
	assert.Error(t, err)
}

func TestGenerator_UserPromptTruncatesSite(t *testing.T) {
	g := &Generator{config: Config{MaxSiteChars: 10}}

	prompt := g.userPrompt(content.GenerateRequest{
		LeadName:    "Jo",
		LeadTitle:   "CTO",
		CompanyName: "Acme",
		SiteContent: "0123456789ABCDEF",
		EmailType:   domain.EmailTypeFollowup5,
	})

	assert.Contains(t, prompt, "Recipient: Jo (CTO)")
	assert.Contains(t, prompt, "0123456789")
	assert.NotContains(t, prompt, "ABCDEF")
	assert.Contains(t, prompt, "first follow-up")
}
