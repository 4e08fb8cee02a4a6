package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithAgentID(ctx, "agent-789")
	ctx = WithSessionID(ctx, "session-abc")

	enriched := PropagateToLogger(ctx, logger)
	enriched.Info().Msg("test message")

	output := buf.String()
	for _, want := range []string{
		`"trace_id":"trace-123"`,
		`"run_id":"run-456"`,
		`"agent_id":"agent-789"`,
		`"session_id":"session-abc"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Log output missing %s: %s", want, output)
		}
	}
}

func TestLoggerFromContextWithoutValues(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("Did not expect trace_id in output: %s", buf.String())
	}
}
