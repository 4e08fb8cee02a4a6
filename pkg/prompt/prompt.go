// Package prompt renders the system prompt sent at the head of every
// completion request.
package prompt

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/harun/turnloop/pkg/tools"
)

// ToolInfo is the part of a tool the prompt needs.
type ToolInfo struct {
	Name        string
	Description string
}

// Env describes where the agent runs.
type Env struct {
	Timestamp     time.Time
	Platform      string
	WorkspaceRoot string
}

// Params are the inputs to Build.
type Params struct {
	AgentID      string
	AgentName    string
	Tools        []ToolInfo
	CustomPrompt string
	Env          Env
}

// ToolInfos snapshots the name and description of each tool.
func ToolInfos(ts []tools.Tool) []ToolInfo {
	out := make([]ToolInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, ToolInfo{Name: t.Name(), Description: t.Description()})
	}
	return out
}

// DefaultEnv returns the current time and platform.
func DefaultEnv(workspaceRoot string) Env {
	return Env{
		Timestamp:     time.Now(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		WorkspaceRoot: workspaceRoot,
	}
}

// Build renders the system prompt. Output depends only on p.
func Build(p Params) string {
	var b strings.Builder

	name := p.AgentName
	if name == "" {
		name = p.AgentID
	}
	fmt.Fprintf(&b, "You are %s (agent id: %s), an assistant that completes tasks by reasoning and calling tools.\n", name, p.AgentID)
	b.WriteString("Call a tool when it helps; every tool call receives a result before you continue. ")
	b.WriteString("When the task is complete, answer without calling tools.\n")

	b.WriteString("\n# Tools\n\n")
	if len(p.Tools) == 0 {
		b.WriteString("No tools are available.\n")
	} else {
		sorted := make([]ToolInfo, len(p.Tools))
		copy(sorted, p.Tools)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for _, t := range sorted {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, oneLine(t.Description))
		}
	}

	b.WriteString("\n# Environment\n\n")
	if !p.Env.Timestamp.IsZero() {
		fmt.Fprintf(&b, "- Time: %s\n", p.Env.Timestamp.Format(time.RFC3339))
	}
	if p.Env.Platform != "" {
		fmt.Fprintf(&b, "- Platform: %s\n", p.Env.Platform)
	}
	if p.Env.WorkspaceRoot != "" {
		fmt.Fprintf(&b, "- Workspace: %s\n", p.Env.WorkspaceRoot)
	}

	if custom := strings.TrimSpace(p.CustomPrompt); custom != "" {
		b.WriteString("\n# Instructions\n\n")
		b.WriteString(custom)
		b.WriteString("\n")
	}

	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
