package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsAgentID string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect available tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

func init() {
	toolsListCmd.Flags().StringVarP(&toolsAgentID, "agent", "a", "", "only list the tools this agent may use")
	toolsCmd.AddCommand(toolsListCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(commandContext(cmd), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var allowed []string
	if toolsAgentID != "" {
		ag, ok := a.manager.Agent(toolsAgentID)
		if !ok {
			return fmt.Errorf("unknown agent %q", toolsAgentID)
		}
		allowed = ag.Config().Tools
	}

	catalog := a.registry.Snapshot(allowed)
	ts := catalog.Tools()
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPARAMETERS\tDESCRIPTION")
	for _, t := range ts {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name(), parameterNames(t.InputSchema()), t.Description())
	}
	return w.Flush()
}

// parameterNames lists schema properties, marking required ones with '*'.
func parameterNames(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return "-"
	}
	required := map[string]bool{}
	if req, ok := schema["required"].([]string); ok {
		for _, name := range req {
			required[name] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		if required[name] {
			name += "*"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
