package agent

import (
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/tools"
)

// DefaultMaxTurns bounds a run when RunOptions.MaxTurns is not set.
const DefaultMaxTurns = 10

// Config describes an agent. It is copied when the agent is created.
type Config struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Tools        []string       `json:"tools,omitempty"` // empty means every registered tool
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	// WorkspaceRoot is passed to tools through tools.Context.
	WorkspaceRoot string         `json:"workspace_root,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}

func (c Config) clone() Config {
	if c.Tools != nil {
		c.Tools = append([]string(nil), c.Tools...)
	}
	if c.Settings != nil {
		settings := make(map[string]any, len(c.Settings))
		for k, v := range c.Settings {
			settings[k] = v
		}
		c.Settings = settings
	}
	return c
}

// Outcome is the terminal state of a run.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeAborted
	OutcomeMaxTurns
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeAborted:
		return "aborted"
	case OutcomeMaxTurns:
		return "max_turns"
	default:
		return "unknown"
	}
}

// RunOptions are the inputs of one run. Observers are called synchronously
// on the run's goroutine; their panics are recovered and logged.
type RunOptions struct {
	Input string
	// SessionID selects the session to resume. A new id is generated when empty.
	SessionID string
	// MaxTurns bounds completion requests. Zero uses the manager default.
	MaxTurns int

	OnMessage   func(msg session.Message)
	OnToolStart func(name string, input map[string]any)
	OnToolEnd   func(name string, result tools.Result)
}

// RunResult summarizes a finished run.
type RunResult struct {
	SessionID string
	// Messages is the full transcript after the run.
	Messages []session.Message
	// Response is the text of the last assistant message of this run.
	Response string
	// ToolsUsed lists tools executed during this run, first use first.
	ToolsUsed []string
	Outcome   Outcome
	Turns     int
}
