package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/pkg/session"
)

var (
	sessionsAgentID string
	sessionsJSON    bool
	pruneMaxAge     time.Duration
	pruneDryRun     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions that have not been updated recently",
	Long: `Delete sessions that have not been updated within --max-age, which defaults to
sessions.cleanup.max_age from the config.`,
	Args: cobra.NoArgs,
	RunE: runSessionsPrune,
}

func init() {
	sessionsListCmd.Flags().StringVarP(&sessionsAgentID, "agent", "a", "", "only list sessions of this agent")
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the session as JSON")
	sessionsPruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "maximum age since the last update, e.g. 168h")
	sessionsPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "only count the sessions that would be deleted")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.store.List(ctx, sessionsAgentID)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tMESSAGES\tUPDATED")
	for _, id := range ids {
		s, err := a.store.Load(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t?\t?\tunreadable\n", id)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s ago\n", s.ID, s.AgentID, len(s.Messages), formatDuration(time.Since(s.UpdatedAt)))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.store.Load(ctx, args[0])
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		return err
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		return writeJSON(out, s)
	}

	fmt.Fprintf(out, "Session %s (agent %s, %d messages)\n", s.ID, s.AgentID, len(s.Messages))
	for _, m := range s.Messages {
		fmt.Fprintln(out)
		fmt.Fprintln(out, messageHeader(m))
		if m.Content != "" {
			fmt.Fprintln(out, m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(out, "  call %s %s %s\n", tc.ID, tc.Name, summarizeInput(tc.Input))
		}
	}
	return nil
}

func messageHeader(m session.Message) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(m.Role))
	if m.Role == session.RoleTool {
		b.WriteString(" " + m.ToolName + " " + m.ToolCallID)
		if m.IsError {
			b.WriteString(" error")
		}
	}
	b.WriteString("]")
	if !m.Timestamp.IsZero() {
		b.WriteString(" " + m.Timestamp.Local().Format(time.DateTime))
	}
	return b.String()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		if err := a.manager.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if pruneMaxAge < 0 {
		return fmt.Errorf("--max-age must not be negative")
	}
	if pruneMaxAge > 0 {
		a.cfg.Sessions.Cleanup.MaxAge = pruneMaxAge.String()
	}

	if pruneDryRun {
		n, err := countStale(ctx, a.store, a.cfg.Sessions.Cleanup.MaxAgeDuration())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d sessions would be deleted\n", n)
		return nil
	}

	c, err := a.newCleanup()
	if err != nil {
		return err
	}
	removed, err := c.Prune(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d sessions\n", removed)
	return nil
}

func countStale(ctx context.Context, store session.Store, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = session.DefaultCleanupAge
	}
	cutoff := time.Now().Add(-maxAge)

	ids, err := store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		s, err := store.Load(ctx, id)
		if err != nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
