package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/session"
)

func TestRunCommand(t *testing.T) {
	t.Run("should print the response and persist the session", func(t *testing.T) {
		configPath := writeConfig(t, "")
		useProvider(t, &agent.Completion{Content: "hello there"})

		res := execute(t, "", "--config", configPath, "run", "--session", "s1", "say", "hi")
		require.NoError(t, res.err)
		assert.Equal(t, "hello there\n", res.stdout)
		assert.Contains(t, res.stderr, "session: s1")

		s := loadSession(t, configPath, "s1")
		assert.Equal(t, "tester", s.AgentID)
		require.Len(t, s.Messages, 2)
		assert.Equal(t, "say hi", s.Messages[0].Content)
	})

	t.Run("should execute tools inside the workspace", func(t *testing.T) {
		configPath := writeConfig(t, "")
		useProvider(t,
			&agent.Completion{ToolCalls: []session.ToolCall{{
				ID:    "c1",
				Name:  "write_file",
				Input: map[string]any{"path": "out.txt", "content": "from tool"},
			}}},
			&agent.Completion{Content: "file written"},
		)

		res := execute(t, "", "--config", configPath, "run", "--session", "s2", "write a file")
		require.NoError(t, res.err)
		assert.Equal(t, "file written\n", res.stdout)
		assert.Contains(t, res.stderr, "→ write_file")
		assert.Contains(t, res.stderr, "✓ write_file")

		data, err := os.ReadFile(filepath.Join(filepath.Dir(configPath), "workspace", "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "from tool", string(data))
	})

	t.Run("should read the prompt from stdin and print json", func(t *testing.T) {
		configPath := writeConfig(t, "")
		useProvider(t, &agent.Completion{Content: "piped reply"})

		res := execute(t, "  from stdin \n", "--config", configPath, "run", "--json", "--session", "s3")
		require.NoError(t, res.err)

		var out runOutput
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &out))
		assert.Equal(t, "s3", out.SessionID)
		assert.Equal(t, "tester", out.AgentID)
		assert.Equal(t, "done", out.Outcome)
		assert.Equal(t, "piped reply", out.Response)
		assert.Equal(t, 1, out.Turns)
		assert.Equal(t, []string{}, out.ToolsUsed)
		assert.Equal(t, "from stdin", out.Messages[0].Content)
	})

	t.Run("should report max turns", func(t *testing.T) {
		configPath := writeConfig(t, "")
		call := &agent.Completion{ToolCalls: []session.ToolCall{{ID: "c", Name: "list_directory", Input: map[string]any{}}}}
		useProvider(t, call, call, call)

		res := execute(t, "", "--config", configPath, "run", "--max-turns", "2", "-q", "loop")
		require.NoError(t, res.err)
		assert.Contains(t, res.stderr, "Stopped after 2 turns")
		assert.NotContains(t, res.stderr, "→ list_directory")
	})

	t.Run("should select agents and reject unknown ones", func(t *testing.T) {
		configPath := writeConfig(t, "")
		useProvider(t)

		res := execute(t, "", "--config", configPath, "run", "--agent", "reader", "--session", "s4", "hi")
		require.NoError(t, res.err)
		assert.Equal(t, "reader", loadSession(t, configPath, "s4").AgentID)

		res = execute(t, "", "--config", configPath, "run", "--agent", "ghost", "hi")
		assert.ErrorContains(t, res.err, `unknown agent "ghost"`)
	})

	t.Run("should require a prompt", func(t *testing.T) {
		configPath := writeConfig(t, "")
		useProvider(t)

		res := execute(t, "   ", "--config", configPath, "run")
		assert.ErrorContains(t, res.err, "a prompt is required")
	})

	t.Run("should explain a missing provider", func(t *testing.T) {
		configPath := writeConfig(t, "")

		res := execute(t, "", "--config", configPath, "run", "hi")
		assert.ErrorContains(t, res.err, "no providers configured")
	})
}
