package agent

import (
	"context"

	"github.com/harun/turnloop/pkg/session"
)

// ToolSpec is the description of a tool sent to the provider.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CompletionRequest is one call to the model. Messages start with the
// system message and are the provider's to keep; they are not shared with
// the session.
type CompletionRequest struct {
	Messages []session.Message
	Tools    []ToolSpec
	Config   Config
}

// Usage reports token consumption when the provider knows it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the model output for one request.
type Completion struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     *Usage
}

// CompletionProvider turns a request into model output.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ProviderFunc adapts a function to CompletionProvider.
type ProviderFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

func (f ProviderFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

// Named is implemented by providers that report a name for logs and metrics.
type Named interface {
	Name() string
}

// ProviderName returns p's name, or "custom" when it has none.
func ProviderName(p CompletionProvider) string {
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return "custom"
}
