package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/session"
)

func seedSessions(t *testing.T, configPath string, sessions ...*session.Session) {
	t.Helper()
	store, err := session.NewFileStore(session.FileStoreConfig{Dir: filepath.Join(filepath.Dir(configPath), "sessions")})
	require.NoError(t, err)
	for _, s := range sessions {
		require.NoError(t, store.Save(context.Background(), s))
	}
}

func newSession(id, agentID string, age time.Duration, msgs ...session.Message) *session.Session {
	s := session.New(id, agentID)
	s.Append(msgs...)
	s.UpdatedAt = time.Now().Add(-age)
	return s
}

func TestSessionsCommands(t *testing.T) {
	t.Run("should report an empty store", func(t *testing.T) {
		configPath := writeConfig(t, "")

		res := execute(t, "", "--config", configPath, "sessions", "list")
		require.NoError(t, res.err)
		assert.Equal(t, "No sessions.\n", res.stdout)
	})

	t.Run("should list sessions, optionally by agent", func(t *testing.T) {
		configPath := writeConfig(t, "")
		seedSessions(t, configPath,
			newSession("a1", "tester", time.Minute, session.Message{Role: session.RoleUser, Content: "hi"}),
			newSession("b1", "reader", time.Hour),
		)

		res := execute(t, "", "--config", configPath, "sessions", "list")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "ID")
		assert.Contains(t, res.stdout, "a1")
		assert.Contains(t, res.stdout, "b1")

		res = execute(t, "", "--config", configPath, "sessions", "list", "--agent", "reader")
		require.NoError(t, res.err)
		assert.NotContains(t, res.stdout, "a1")
		assert.Contains(t, res.stdout, "b1")
	})

	t.Run("should show a transcript", func(t *testing.T) {
		configPath := writeConfig(t, "")
		seedSessions(t, configPath, newSession("s", "tester", 0,
			session.Message{Role: session.RoleUser, Content: "list files"},
			session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "c1", Name: "list_directory", Input: map[string]any{}}}},
			session.Message{Role: session.RoleTool, ToolCallID: "c1", ToolName: "list_directory", Content: "Error: boom", IsError: true},
			session.Message{Role: session.RoleAssistant, Content: "it failed"},
		))

		res := execute(t, "", "--config", configPath, "sessions", "show", "s")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Session s (agent tester, 4 messages)")
		assert.Contains(t, res.stdout, "[user]")
		assert.Contains(t, res.stdout, "call c1 list_directory")
		assert.Contains(t, res.stdout, "[tool list_directory c1 error]")
		assert.Contains(t, res.stdout, "it failed")

		res = execute(t, "", "--config", configPath, "sessions", "show", "--json", "s")
		require.NoError(t, res.err)
		var decoded session.Session
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &decoded))
		assert.Len(t, decoded.Messages, 4)

		res = execute(t, "", "--config", configPath, "sessions", "show", "missing")
		assert.ErrorContains(t, res.err, "session missing not found")
	})

	t.Run("should delete sessions", func(t *testing.T) {
		configPath := writeConfig(t, "")
		seedSessions(t, configPath, newSession("gone", "tester", 0))

		res := execute(t, "", "--config", configPath, "sessions", "delete", "gone")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "Deleted session gone")

		res = execute(t, "", "--config", configPath, "sessions", "list")
		require.NoError(t, res.err)
		assert.Equal(t, "No sessions.\n", res.stdout)
	})

	t.Run("should prune stale sessions", func(t *testing.T) {
		configPath := writeConfig(t, "")
		seedSessions(t, configPath,
			newSession("old", "tester", 48*time.Hour),
			newSession("fresh", "tester", time.Minute),
		)

		res := execute(t, "", "--config", configPath, "sessions", "prune", "--max-age", "24h", "--dry-run")
		require.NoError(t, res.err)
		assert.Equal(t, "1 sessions would be deleted\n", res.stdout)

		res = execute(t, "", "--config", configPath, "sessions", "prune", "--max-age", "24h")
		require.NoError(t, res.err)
		assert.Equal(t, "Deleted 1 sessions\n", res.stdout)

		res = execute(t, "", "--config", configPath, "sessions", "list")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "fresh")
		assert.NotContains(t, res.stdout, "old")
	})
}
