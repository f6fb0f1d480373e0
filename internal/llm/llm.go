// Package llm defines the provider-agnostic interface for language model
// interactions. The query chain depends only on this interface so the
// concrete upstream provider is swappable without touching the
// credential-lifecycle code.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// SendMessage sends a conversation to the LLM and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64 // 0 = provider default.
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates usage across multiple calls (SQL generation + answer
// summarization count as one exchange).
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns combined input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
