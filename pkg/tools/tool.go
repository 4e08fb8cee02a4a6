package tools

import "context"

// Tool is a named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns a JSON Schema object describing valid input.
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any, tc Context) (Result, error)
}

// Context carries run identity to a tool. Cancellation travels on the
// context.Context passed to Execute.
type Context struct {
	AgentID       string
	SessionID     string
	WorkspaceRoot string
}

// Result is the outcome of one tool execution.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK returns a successful result with the given output.
func OK(output string) Result {
	return Result{Success: true, Output: output}
}

// Fail returns a failing result with the given error text.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}
