package provider

import (
	"context"
	"time"
)

// Role identifies a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message sent to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request captures the normalized completion input.
type Request struct {
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
	// Provider optionally pins a preferred backend by name. It is honoured
	// when that backend is healthy; otherwise normal selection applies.
	Provider string `json:"provider,omitempty"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed, non-streaming generation.
type Response struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	// Set by the Manager.
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Chunk is one piece of a streamed generation. The last chunk has Done set;
// a chunk with Err set is terminal as well.
type Chunk struct {
	Content  string `json:"content"`
	Done     bool   `json:"done"`
	Err      error  `json:"-"`
	Provider string `json:"provider,omitempty"`
}

// Info contains static metadata about a backend.
type Info struct {
	Name              string  `json:"name"`
	Model             string  `json:"model"`
	SupportsStreaming bool    `json:"supports_streaming"`
	PromptCost        float64 `json:"prompt_cost"`     // per 1K prompt tokens
	CompletionCost    float64 `json:"completion_cost"` // per 1K completion tokens
}

// Status is a derived health snapshot of a backend.
type Status struct {
	IsAvailable        bool          `json:"is_available"`
	ResponseTime       time.Duration `json:"response_time"`
	ErrorRate          float64       `json:"error_rate"`
	RateLimitRemaining int           `json:"rate_limit_remaining"`
	LastChecked        time.Time     `json:"last_checked"`
}

// Provider is the minimal interface every completion backend implements.
type Provider interface {
	Info() Info
	GenerateText(ctx context.Context, req Request) (*Response, error)
	StreamText(ctx context.Context, req Request) (<-chan Chunk, error)
	Status() Status
}

// Enabler is implemented by backends whose availability can be restored by an operator.
type Enabler interface {
	SetAvailable(available bool)
}

// Closer is implemented by backends holding resources.
type Closer interface {
	Close() error
}

// EstimatePromptTokens approximates the prompt size of req at four characters per token.
func EstimatePromptTokens(req Request) int {
	chars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := chars / 4
	if chars%4 != 0 {
		tokens++
	}
	return tokens
}
