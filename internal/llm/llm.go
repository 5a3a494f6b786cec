package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Role tags a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one role-tagged entry in a conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// System is shorthand for a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User is shorthand for a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Generator produces a single completion for an ordered conversation.
// Implementations may fail; callers decide whether that is recoverable.
type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Client wraps the Anthropic API as a Generator.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// splitMessages partitions a conversation into system prompt blocks and
// user message params in their original order. The API rejects an empty
// message list, so a placeholder user message is added if needed.
func splitMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var user []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		default:
			user = append(user, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(user) == 0 {
		user = append(user, anthropic.NewUserMessage(anthropic.NewTextBlock("(empty)")))
	}
	return system, user
}

// Complete sends the conversation and returns the first text block of
// the response.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	system, user := splitMessages(messages)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System:    system,
		Messages:  user,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// StripFences removes a surrounding markdown code fence if present.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
