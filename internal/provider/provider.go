// Package provider defines the LM adapter surface consumed by the router
// and the iteration driver. An adapter turns a chat-message history into
// completion text plus reported token usage.
package provider

import (
	"context"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single (role, text) pair in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token usage an adapter reports for one call.
// Absent fields are treated as zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Provider is a text-completion backend. Any failure it raises is
// surfaced to HTTP callers of the router as a 500.
type Provider interface {
	// Model returns the stable identifier used as the adapter's model name.
	Model() string

	// Generate produces a completion for the given message history.
	Generate(ctx context.Context, messages []Message) (string, Usage, error)
}

// New creates a provider by backend name. Supported backends are
// "anthropic" and "openai".
func New(backend, model, apiKey, apiBase string) (Provider, error) {
	switch backend {
	case "anthropic":
		return NewAnthropic(model, apiKey, apiBase), nil
	case "openai":
		return NewOpenAI(model, apiKey, apiBase), nil
	default:
		return nil, fmt.Errorf("unknown provider backend: %s (supported: anthropic, openai)", backend)
	}
}
