package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secret"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool-server catalog",
		Long:  "Commands for checking which tool servers a connection would get and which operations they expose",
	}

	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "Start the servers a connection would get and list their operations",
		Long: `Select the catalog for the given connection parameters, start every enabled
tool server, list the merged operations and shut the servers down again.

Examples:
  mcpagent tools list
  mcpagent tools list --cred sheets_token=abc --flag beta -o json`,
		RunE: runToolsList,
	}

	toolsCatalogCmd = &cobra.Command{
		Use:   "catalog",
		Short: "Show which catalog servers a connection would enable, without starting them",
		RunE:  runToolsCatalog,
	}

	toolsConn         connectionFlags
	toolsTimeout      time.Duration
	toolsOutputFormat string
)

// GetToolsCommand returns the tools command for adding to the root command
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsCatalogCmd)

	for _, cmd := range []*cobra.Command{toolsListCmd, toolsCatalogCmd} {
		toolsConn.register(cmd)
		cmd.Flags().StringVarP(&toolsOutputFormat, "output", "o", "", "Output format (table, json, yaml)")
	}
	toolsListCmd.Flags().DurationVarP(&toolsTimeout, "timeout", "t", 60*time.Second, "Time allowed for starting the servers")
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	formatter, err := output.NewFormatter(output.ResolveFormat(toolsOutputFormat))
	if err != nil {
		return err
	}
	params, err := toolsConn.params()
	if err != nil {
		return err
	}

	logger := commandLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), toolsTimeout)
	defer cancel()

	reg, configs, err := startRegistry(ctx, cfg, params, logger)
	if err != nil {
		return fmt.Errorf("failed to start tool servers: %w", err)
	}
	defer reg.CloseAll()

	for _, c := range configs {
		if !c.Enabled {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", c.ID, c.DisabledReason)
		}
	}

	headers, rows := operationRows(reg.Operations())
	out, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func runToolsCatalog(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	formatter, err := output.NewFormatter(output.ResolveFormat(toolsOutputFormat))
	if err != nil {
		return err
	}
	params, err := toolsConn.params()
	if err != nil {
		return err
	}

	resolver := secret.NewResolver().WithCredentials(params.Credentials)
	configs := config.BuildToolServerConfigs(cmd.Context(), cfg.Servers, params, resolver)

	headers, rows := catalogRows(configs)
	out, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func operationRows(ops []core.OperationDescriptor) ([]string, [][]string) {
	headers := []string{"NAME", "SERVER", "DESCRIPTION"}
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{op.Name, op.ServerID, firstLine(op.Description, 80)})
	}
	return headers, rows
}

func catalogRows(configs []config.ToolServerConfig) ([]string, [][]string) {
	headers := []string{"SERVER", "ENABLED", "COMMAND", "REASON"}
	rows := make([][]string, 0, len(configs))
	for _, c := range configs {
		command := strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
		rows = append(rows, []string{c.ID, fmt.Sprintf("%t", c.Enabled), command, c.DisabledReason})
	}
	return headers, rows
}

// firstLine returns the first line of s, cut to max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
