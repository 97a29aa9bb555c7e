// ABOUTME: AI collaborator that drafts leasing replies via an OpenAI-compatible API
// ABOUTME: Builds the chat transcript from stored history and a property-aware system prompt

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/jeetjeet26/oneclick-chat/internal/store"
)

const defaultSystemPrompt = `You are a friendly, knowledgeable leasing assistant for a residential property. Answer prospective residents' questions about the community, floor plans, pricing, pet policy, and touring. Be concise and helpful. If you do not know an answer, say so and offer to connect the visitor with the leasing office rather than guessing.`

// Config holds connection settings for the completion API.
type Config struct {
	APIKey  string
	BaseURL string // empty means the OpenAI default
	Model   string
	Timeout time.Duration // per-request HTTP timeout, 0 means 60s
}

// Collaborator generates assistant replies with an OpenAI-compatible chat
// completion API. It satisfies the conversation package's Generator interface.
type Collaborator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// New creates a Collaborator. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Collaborator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("assistant: model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Collaborator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.With("component", "assistant"),
	}, nil
}

// Generate produces a reply to the latest visitor message given the full
// conversation history. Returns the reply text; an empty completion is an
// error so callers never store blank replies.
func (c *Collaborator) Generate(ctx context.Context, property *store.Property, history []*store.Message) (string, error) {
	messages := buildMessages(property, history)

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("chat completion returned empty content")
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"history_len", len(history),
		"elapsed", time.Since(started))

	return reply, nil
}

// buildMessages converts stored history into the chat transcript. Visitor
// messages become user turns and assistant messages (AI or operator authored)
// become assistant turns. System markers record mode changes for humans, not
// instructions for the model, so they are skipped.
func buildMessages(property *store.Property, history []*store.Message) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(property),
	}}

	for _, msg := range history {
		switch msg.Role {
		case store.RoleVisitor:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case store.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			})
		}
	}

	return messages
}

func systemPrompt(property *store.Property) string {
	var b strings.Builder
	b.WriteString(defaultSystemPrompt)

	if property != nil {
		if property.Name != "" {
			fmt.Fprintf(&b, "\n\nThe property you represent is %s.", property.Name)
		}
		if property.Greeting != "" {
			fmt.Fprintf(&b, "\nProperty notes from the leasing team: %s", property.Greeting)
		}
		if property.Timezone != "" {
			fmt.Fprintf(&b, "\nThe property's local timezone is %s.", property.Timezone)
		}
	}

	return b.String()
}
