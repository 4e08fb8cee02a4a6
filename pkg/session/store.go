package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/turnloop/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is returned by Load for absent, corrupt or unreadable sessions.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidID is returned for ids that are empty or could escape a directory.
	ErrInvalidID = errors.New("invalid session id")
)

// Store persists sessions by id.
type Store interface {
	// Save overwrites the stored record. Concurrent saves are last-writer-wins.
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	// Delete removes the record; deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns sorted ids, restricted to agentID unless it is empty.
	// Records Load would report as absent are left out.
	List(ctx context.Context, agentID string) ([]string, error)
}

// StaleLister is implemented by stores that can find old sessions without
// loading every record.
type StaleLister interface {
	ListUpdatedBefore(ctx context.Context, before time.Time) ([]string, error)
}

// ValidateID rejects ids that are unsafe to use as file names.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidID)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: contains path separator", ErrInvalidID)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidID)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func startSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return tracing.StartSpan(ctx, "turnloop.session", "session."+op, attribute.String("session_id", id))
}
