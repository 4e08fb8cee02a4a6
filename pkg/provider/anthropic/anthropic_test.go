package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/provider"
	"github.com/harun/turnloop/pkg/session"
)

func newTestServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func transcript() []session.Message {
	return []session.Message{
		{Role: session.RoleSystem, Content: "be brief"},
		{Role: session.RoleUser, Content: "echo twice"},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "t1", Name: "echo", Input: map[string]any{"text": "a"}},
			{ID: "t2", Name: "echo", Input: map[string]any{"text": "b"}},
		}},
		{Role: session.RoleTool, ToolCallID: "t1", ToolName: "echo", Content: "a"},
		{Role: session.RoleTool, ToolCallID: "t2", ToolName: "echo", Content: "Error: boom", IsError: true},
	}
}

func TestComplete(t *testing.T) {
	t.Run("should convert the request and parse text and tool use", func(t *testing.T) {
		var got map[string]any
		srv := newTestServer(t, http.StatusOK, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "echo", "input": {"text": "hi"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`, &got)

		p := New(Config{APIKey: "sk-ant-test", BaseURL: srv.URL})
		completion, err := p.Complete(context.Background(), agent.CompletionRequest{
			Messages: transcript(),
			Tools: []agent.ToolSpec{{
				Name:        "echo",
				Description: "Echo text",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
					"required":   []string{"text"},
				},
			}},
			Config: agent.Config{Model: "claude-test"},
		})
		require.NoError(t, err)

		assert.Equal(t, "Checking.", completion.Content)
		require.Len(t, completion.ToolCalls, 1)
		assert.Equal(t, "toolu_1", completion.ToolCalls[0].ID)
		assert.Equal(t, map[string]any{"text": "hi"}, completion.ToolCalls[0].Input)
		assert.Equal(t, &agent.Usage{InputTokens: 12, OutputTokens: 7}, completion.Usage)

		assert.Equal(t, "claude-test", got["model"])
		assert.Equal(t, float64(DefaultMaxTokens), got["max_tokens"])

		system := got["system"].([]any)
		assert.Equal(t, "be brief", system[0].(map[string]any)["text"])

		messages := got["messages"].([]any)
		require.Len(t, messages, 3)
		results := messages[2].(map[string]any)
		assert.Equal(t, "user", results["role"])
		blocks := results["content"].([]any)
		require.Len(t, blocks, 2)
		assert.Equal(t, "t1", blocks[0].(map[string]any)["tool_use_id"])
		assert.Equal(t, true, blocks[1].(map[string]any)["is_error"])

		tools := got["tools"].([]any)
		require.Len(t, tools, 1)
		schema := tools[0].(map[string]any)["input_schema"].(map[string]any)
		assert.Equal(t, []any{"text"}, schema["required"])
	})

	t.Run("should wrap api errors with the status code", func(t *testing.T) {
		srv := newTestServer(t, http.StatusTooManyRequests,
			`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, nil)

		p := New(Config{APIKey: "sk-ant-test", BaseURL: srv.URL})
		_, err := p.Complete(context.Background(), agent.CompletionRequest{
			Messages: []session.Message{{Role: session.RoleUser, Content: "hi"}},
			Config:   agent.Config{Model: "claude-test"},
		})

		var apiErr *provider.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
		assert.True(t, provider.IsRetryable(err))
	})
}

func TestConvertMessages(t *testing.T) {
	t.Run("should merge system messages and keep order", func(t *testing.T) {
		system, out := convertMessages([]session.Message{
			{Role: session.RoleSystem, Content: "one"},
			{Role: session.RoleSystem, Content: "two"},
			{Role: session.RoleUser, Content: "hi"},
			{Role: session.RoleAssistant, Content: "hello"},
		})
		assert.Equal(t, "one\n\ntwo", system)
		require.Len(t, out, 2)
		assert.Equal(t, "user", string(out[0].Role))
		assert.Equal(t, "assistant", string(out[1].Role))
	})

	t.Run("should group tool results into one user turn", func(t *testing.T) {
		_, out := convertMessages(transcript())
		require.Len(t, out, 3)
		require.Len(t, out[2].Content, 2)
		assert.Equal(t, "t1", out[2].Content[0].OfToolResult.ToolUseID)
		assert.Equal(t, "t2", out[2].Content[1].OfToolResult.ToolUseID)
	})
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]any{"a", 3, "b"}))
	assert.Nil(t, requiredFields(nil))
}
