// Package providers adapts hosted LLM chat APIs to one small interface.
package providers

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Option keys understood by every provider.
const (
	OptTemperature = "temperature"
	OptMaxTokens   = "max_tokens"
)

// Message is one entry of a chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a completion request.
type ChatRequest struct {
	Messages []Message
	Model    string // empty = provider default
	Options  map[string]interface{}
}

// Usage reports token accounting when the API returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a finished completion.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// StreamChunk is one incremental piece of a streamed completion.
type StreamChunk struct {
	Content string
	Done    bool
}

// Provider turns a message history into a completion.
type Provider interface {
	Name() string
	DefaultModel() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}

func optFloat(opts map[string]interface{}, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func optInt(opts map[string]interface{}, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (u *Usage) add(o *Usage) {
	if o == nil {
		return
	}
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// SumUsage adds b into a, allocating when a is nil.
func SumUsage(a, b *Usage) *Usage {
	if b == nil {
		return a
	}
	if a == nil {
		a = &Usage{}
	}
	a.add(b)
	return a
}
