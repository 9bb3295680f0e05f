package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Each call is a single system + user turn; callers parse the text.
type TextGenerator interface {
	Complete(ctx context.Context, req Request) (string, error)
	GetModel() string
}

// Request is one completion.
type Request struct {
	// Purpose labels metrics and logs ("entity_detection", "action_generation").
	Purpose string

	System      string
	User        string
	Temperature float64

	// JSONMode asks the provider for a JSON-only response where supported.
	JSONMode bool

	// Schema, when set, requests strict structured output from providers
	// that support it. Others fall back to JSONMode.
	Schema *ResponseSchema

	// MaxTokens bounds the response (default: 4096).
	MaxTokens int
}

// ResponseSchema is a named JSON schema for structured output.
type ResponseSchema struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return 4096
}
