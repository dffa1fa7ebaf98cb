// Package llm defines the Provider interface for the text models used to
// summarise finished support sessions.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, Gemini, a
// local Ollama instance, ...) behind one small request/response shape so the
// report pipeline does not depend on any SDK.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a completion request.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text of the message.
	Content string

	// Name optionally labels the speaker.
	Name string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to answer. At least
// one message is required.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages as a system instruction.
	SystemPrompt string

	// Messages is the ordered conversation.
	Messages []Message

	// Temperature controls randomness in [0, 2]. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the full answer of a completion.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any text model backend.
type Provider interface {
	// Complete sends req and waits for the full response. It must return
	// promptly once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the configured model name.
	Model() string
}
