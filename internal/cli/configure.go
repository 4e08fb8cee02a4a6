package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/harun/turnloop/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureProvider  string
	configureAPIKey    string
	configureBaseURL   string
	configureModel     string
	configureWorkspace string
	configureForce     bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a configuration file with one agent and, optionally, one provider profile.
An existing file is only replaced with --force.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "", "provider for the first profile (anthropic, openai, gemini)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "API key for the provider")
	configureCmd.Flags().StringVar(&configureBaseURL, "base-url", "", "custom API endpoint")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "model of the default agent")
	configureCmd.Flags().StringVar(&configureWorkspace, "workspace", "", "workspace root handed to tools")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", configPath)
	}

	cfg := config.DefaultConfig()
	if configureModel != "" {
		cfg.Agents[0].Model = configureModel
	}
	if configureWorkspace != "" {
		cfg.WorkspacePath = configureWorkspace
	}
	if configureProvider != "" {
		name := strings.ToLower(strings.TrimSpace(configureProvider))
		apiKey := configureAPIKey
		if apiKey == "" {
			apiKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
		}
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			ID:       name,
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  configureBaseURL,
		})
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "Run an agent with: turnloop run \"<prompt>\"")
	return nil
}
