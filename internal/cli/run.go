package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/tools"
)

var (
	runAgentID  string
	runSession  string
	runMaxTurns int
	runJSON     bool
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run an agent on a prompt",
	Long: `Run an agent on a prompt and print its final response.
The prompt is read from standard input when no arguments are given. Pass --session
to continue an earlier conversation.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runAgentID, "agent", "a", "", "agent id (default is the first configured agent)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "session id to resume or create")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "maximum completion requests (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print tool activity")
	rootCmd.AddCommand(runCmd)
}

// runOutput is the JSON form of a run result.
type runOutput struct {
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	Outcome   string            `json:"outcome"`
	Turns     int               `json:"turns"`
	Response  string            `json:"response"`
	ToolsUsed []string          `json:"tools_used"`
	Messages  []session.Message `json:"messages,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	if runMaxTurns < 0 {
		return fmt.Errorf("--max-turns must not be negative")
	}
	input, err := promptInput(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{provider: true, background: true})
	if err != nil {
		return err
	}
	defer a.Close()

	agentID, err := resolveAgentID(a, runAgentID)
	if err != nil {
		return err
	}

	opts := agent.RunOptions{
		Input:     input,
		SessionID: runSession,
		MaxTurns:  runMaxTurns,
	}
	if !runQuiet && !runJSON {
		stderr := cmd.ErrOrStderr()
		opts.OnToolStart = func(name string, input map[string]any) {
			fmt.Fprintf(stderr, "→ %s %s\n", name, summarizeInput(input))
		}
		opts.OnToolEnd = func(name string, result tools.Result) {
			if result.Success {
				fmt.Fprintf(stderr, "✓ %s\n", name)
			} else {
				fmt.Fprintf(stderr, "✗ %s: %s\n", name, result.Error)
			}
		}
	}

	res, runErr := a.manager.Run(ctx, agentID, opts)
	if res == nil {
		return runErr
	}

	if runJSON {
		if err := writeJSON(cmd.OutOrStdout(), runOutput{
			SessionID: res.SessionID,
			AgentID:   agentID,
			Outcome:   res.Outcome.String(),
			Turns:     res.Turns,
			Response:  res.Response,
			ToolsUsed: res.ToolsUsed,
			Messages:  res.Messages,
		}); err != nil {
			return err
		}
		return runErr
	}

	if res.Response != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Response)
	}
	switch res.Outcome {
	case agent.OutcomeMaxTurns:
		fmt.Fprintf(cmd.ErrOrStderr(), "Stopped after %d turns without a final answer.\n", res.Turns)
	case agent.OutcomeAborted:
		fmt.Fprintln(cmd.ErrOrStderr(), "Run aborted.")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.SessionID)

	if errors.Is(runErr, agent.ErrAborted) {
		return nil
	}
	return runErr
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// promptInput joins the arguments or, without arguments, reads stdin.
func promptInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", fmt.Errorf("a prompt is required")
	}
	return input, nil
}

func resolveAgentID(a *app, id string) (string, error) {
	if id == "" {
		return a.cfg.Agents[0].ID, nil
	}
	if _, ok := a.manager.Agent(id); !ok {
		return "", fmt.Errorf("unknown agent %q (configured: %s)", id, strings.Join(a.manager.Agents(), ", "))
	}
	return id, nil
}

func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return tools.Truncate(string(data), 120)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
