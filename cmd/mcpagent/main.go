package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/logs"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "(%s)\n", exitCodeDescription(code))
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcpagent",
		Short:         "Agent service that runs per-connection MCP tool servers behind an LLM agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ./mcpagent.yaml or ~/.mcpagent/mcpagent.yaml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpagent)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address of the HTTP API")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Also log to a rotating file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	rootCmd.AddCommand(
		GetServeCommand(),
		GetToolsCommand(),
		GetCallCommand(),
		GetChatCommand(),
		GetQueryCommand(),
		GetSessionsCommand(),
		GetActivityCommand(),
		GetSecretsCommand(),
	)
	return rootCmd
}

// loadConfig resolves configuration with the persistent flags taking
// precedence over the file and MCPAGENT_* environment variables.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if f := cmd.Flags().Lookup("data-dir"); f != nil {
		_ = v.BindPFlag("data_dir", f)
	}
	if f := cmd.Flags().Lookup("listen"); f != nil {
		_ = v.BindPFlag("listen", f)
	}

	cfg, err := config.LoadWithViper(v, configFile)
	if err != nil {
		return nil, withExitCode(ExitCodeConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}
	return cfg, nil
}

// applyLoggingFlags overrides the file's logging section with flags the user
// set explicitly.
func applyLoggingFlags(cmd *cobra.Command, cfg *config.Config) {
	if cfg.Logging == nil {
		cfg.Logging = config.DefaultLogConfig()
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}
}

// commandLogger is the quiet logger used by every command except serve.
func commandLogger() *zap.Logger {
	logger, err := logs.SetupCommandLogger(false, logLevel, logToFile, logDir)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
