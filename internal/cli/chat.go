package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/tools"
)

var (
	chatAgentID string
	chatSession string
	chatWatch   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an agent interactively",
	Long: `Read prompts line by line and run each one on the same session.
Type /new to start a fresh session and /exit to quit. While chatting, edits to the
provider section of the config file take effect on the next request.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatAgentID, "agent", "a", "", "agent id (default is the first configured agent)")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id to resume")
	chatCmd.Flags().BoolVar(&chatWatch, "watch", true, "reload providers when the config file changes")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{provider: true, background: true})
	if err != nil {
		return err
	}
	defer a.Close()

	agentID, err := resolveAgentID(a, chatAgentID)
	if err != nil {
		return err
	}
	if chatWatch {
		a.watchProviders(ctx)
	}

	sessionID := chatSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c := &chat{
		app:       a,
		agentID:   agentID,
		sessionID: sessionID,
		out:       cmd.OutOrStdout(),
		errOut:    cmd.ErrOrStderr(),
	}
	return c.loop(ctx, cmd.InOrStdin())
}

// watchProviders swaps the manager's provider whenever the provider
// profiles in the config file change.
func (a *app) watchProviders(ctx context.Context) {
	loader := config.NewLoader(cfgFile)
	log := a.log.Component("cli")
	err := loader.Watch(func(cfg *config.Config) {
		p, err := newProvider(ctx, cfg, a.log.Component("provider"))
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring provider change")
			return
		}
		a.manager.SetProvider(p)
		log.Info().Int("profiles", len(cfg.Providers)).Msg("Providers reloaded")
	}, func(err error) {
		log.Warn().Err(err).Msg("Ignoring invalid config change")
	})
	if err != nil {
		log.Debug().Err(err).Msg("Config watch disabled")
	}
}

type chat struct {
	app       *app
	agentID   string
	sessionID string
	out       io.Writer
	errOut    io.Writer
}

func (c *chat) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(c.errOut, "Chatting with %s (session %s). Type /exit to quit.\n", c.agentID, c.sessionID)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.errOut, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.errOut)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			c.sessionID = uuid.NewString()
			fmt.Fprintf(c.errOut, "New session %s\n", c.sessionID)
			continue
		}

		if err := c.send(ctx, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *chat) send(ctx context.Context, input string) error {
	res, err := c.app.manager.Run(ctx, c.agentID, agent.RunOptions{
		Input:     input,
		SessionID: c.sessionID,
		OnToolStart: func(name string, input map[string]any) {
			fmt.Fprintf(c.errOut, "→ %s %s\n", name, summarizeInput(input))
		},
		OnToolEnd: func(name string, result tools.Result) {
			if !result.Success {
				fmt.Fprintf(c.errOut, "✗ %s: %s\n", name, result.Error)
			}
		},
	})
	switch {
	case errors.Is(err, agent.ErrAborted):
		return nil
	case err != nil && res == nil:
		// Provider failures leave the session untouched, so the user can retry.
		fmt.Fprintf(c.errOut, "Error: %v\n", err)
		return nil
	case err != nil:
		return err
	}

	if res.Response != "" {
		fmt.Fprintln(c.out, res.Response)
	}
	if res.Outcome == agent.OutcomeMaxTurns {
		fmt.Fprintf(c.errOut, "Stopped after %d turns without a final answer.\n", res.Turns)
	}
	return nil
}
