// Package tools defines the tool contract used by agents and a concurrency
// safe registry that validates tool input against each tool's JSON schema.
//
// Invariants:
// - Tool names are unique within a registry; re-registering replaces.
// - Lookups for unknown names report absence and never panic.
// - Input is validated against the compiled schema before execution.
//
// Usage:
//
//	reg := tools.NewRegistry()
//	_ = reg.RegisterDefinition(tools.Definition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []tools.Parameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, tc tools.Context, input map[string]any) (any, error) {
//			return input["text"], nil
//		},
//	})
package tools
