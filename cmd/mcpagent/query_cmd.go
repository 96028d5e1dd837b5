package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
)

var (
	queryCmd = &cobra.Command{
		Use:   "query <text>",
		Short: "Ask a running server one question on a throwaway connection",
		Long: `Send a single query to a running server. The server starts the tool servers the
connection parameters enable, answers without any conversation history and
stops them again.

Examples:
  mcpagent query --cred sheets_token=abc "sum column B of the budget sheet"
  mcpagent query --subagent analyst "chart last week's signups" -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQuery,
	}

	queryConn         connectionFlags
	queryRemote       remoteFlags
	querySubAgent     string
	queryOutputFormat string
)

// GetQueryCommand returns the query command for adding to the root command
func GetQueryCommand() *cobra.Command {
	return queryCmd
}

func init() {
	queryConn.register(queryCmd)
	queryRemote.register(queryCmd)
	queryCmd.Flags().StringVar(&querySubAgent, "subagent", "", "Run the query as this configured sub-agent")
	queryCmd.Flags().StringVarP(&queryOutputFormat, "output", "o", "pretty", "Output format (pretty, json)")
}

func runQuery(cmd *cobra.Command, args []string) error {
	params, err := queryConn.params()
	if err != nil {
		return err
	}
	client, err := queryRemote.client(cmd)
	if err != nil {
		return err
	}

	req := contracts.QueryRequest{
		AgentID:     params.AgentID,
		WorkspaceID: params.WorkspaceID,
		Credentials: params.Credentials,
		Flags:       params.Flags,
		Query:       strings.Join(args, " "),
	}

	var resp *contracts.MessageResponse
	if querySubAgent != "" {
		resp, err = client.QuerySubAgent(cmd.Context(), querySubAgent, req)
	} else {
		resp, err = client.Query(cmd.Context(), req)
	}
	if err != nil {
		return cliError("query failed", err)
	}

	if queryOutputFormat == "json" {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	if len(resp.ToolsUsed) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "tools: %s\n", strings.Join(resp.ToolsUsed, ", "))
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Output)
	return nil
}
