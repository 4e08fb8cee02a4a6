package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolsListCommand(t *testing.T) {
	configPath := writeConfig(t, "")

	t.Run("should list every core tool", func(t *testing.T) {
		res := execute(t, "", "--config", configPath, "tools", "list")
		require.NoError(t, res.err)
		for _, name := range []string{"read_file", "write_file", "list_directory", "search_files", "exec"} {
			assert.Contains(t, res.stdout, name)
		}
		assert.Contains(t, res.stdout, "command*")
	})

	t.Run("should restrict to an agent's allow-list", func(t *testing.T) {
		res := execute(t, "", "--config", configPath, "tools", "list", "--agent", "reader")
		require.NoError(t, res.err)
		assert.Contains(t, res.stdout, "read_file")
		assert.Contains(t, res.stdout, "list_directory")
		assert.NotContains(t, res.stdout, "exec")
		assert.NotContains(t, res.stdout, "write_file")
	})

	t.Run("should reject unknown agents", func(t *testing.T) {
		res := execute(t, "", "--config", configPath, "tools", "list", "--agent", "ghost")
		assert.Error(t, res.err)
	})
}

func TestParameterNames(t *testing.T) {
	assert.Equal(t, "-", parameterNames(map[string]any{"type": "object"}))
	assert.Equal(t, "a*,b", parameterNames(map[string]any{
		"properties": map[string]any{"b": map[string]any{}, "a": map[string]any{}},
		"required":   []string{"a"},
	}))
}
