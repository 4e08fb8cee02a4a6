package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned with a RunResult when the context ends mid-run.
	ErrAborted = errors.New("run aborted")
	// ErrNoProvider is returned when no completion provider is installed.
	ErrNoProvider = errors.New("no completion provider installed")
	// ErrSessionOwnership is returned when a session belongs to another agent.
	ErrSessionOwnership = errors.New("session belongs to another agent")
	// ErrInvalidConfig is returned for unusable agent configs.
	ErrInvalidConfig = errors.New("invalid agent config")
	// ErrAgentNotFound is returned by Manager.Run for unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrEmptyInput is returned when a run has no input text.
	ErrEmptyInput = errors.New("run input is empty")
)

// ProviderError wraps a failure of the completion provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("completion provider failed: %v", e.Err)
	}
	return fmt.Sprintf("completion provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func abortError(cause error) error {
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
