// Package cli holds the stack-agent-manager command tree and the wiring
// that turns a Config into a running service.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentplatform/stack-agent-manager/internal/config"
)

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "stack-agent-manager",
	Short: "Stack and agent lifecycle manager",
	Long: `stack-agent-manager maps stacks to Kubernetes namespaces and agents to
deployments inside them, and serves the REST API that manages both.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file read before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(manifestsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	SetupLogging(cfg.LogLevel)
	return cfg, nil
}
