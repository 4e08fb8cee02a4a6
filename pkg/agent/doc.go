// Package agent runs tool-augmented conversations against a pluggable
// completion provider.
//
// An Agent drives a bounded turn loop: request a completion, append the
// assistant message, execute each requested tool in order, append one tool
// message per call, repeat until the model stops calling tools, the turn
// budget runs out or the context is cancelled. The session is persisted on
// every terminal outcome.
//
// Invariants:
// - Every tool call is answered by exactly one tool message before the next
//   completion request and before Run returns.
// - Transcripts are append-only; earlier messages are never rewritten.
// - Tool failures, unknown tools and invalid tool input are recorded in the
//   transcript and never fail the run.
// - A provider error returns immediately and leaves the stored session as it
//   was before the run.
// - The Agent takes no per-session lock. Manager.Run serializes runs on the
//   same session when SerializeSessions is set.
//
// Usage:
//
//	m, _ := agent.NewManager(agent.ManagerConfig{Registry: reg, Store: store, Provider: p})
//	a, _ := m.GetAgent(agent.Config{ID: "coder", Model: "claude-sonnet-4-5"})
//	res, err := a.Run(ctx, agent.RunOptions{Input: "list the files", SessionID: "s1"})
package agent
