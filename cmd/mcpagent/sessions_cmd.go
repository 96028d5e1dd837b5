package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
)

var (
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions on a running server",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE:  runSessionsList,
	}

	sessionsCloseCmd = &cobra.Command{
		Use:   "close <session-id>",
		Short: "End a session and stop its tool servers",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsClose,
	}

	sessionsRemote       remoteFlags
	sessionsOutputFormat string
)

// GetSessionsCommand returns the sessions command for adding to the root command
func GetSessionsCommand() *cobra.Command {
	return sessionsCmd
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCloseCmd)
	sessionsRemote.register(sessionsCmd)
	sessionsListCmd.Flags().StringVarP(&sessionsOutputFormat, "output", "o", "", "Output format (table, json, yaml)")
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	formatter, err := output.NewFormatter(output.ResolveFormat(sessionsOutputFormat))
	if err != nil {
		return err
	}
	client, err := sessionsRemote.client(cmd)
	if err != nil {
		return err
	}

	resp, err := client.ListSessions(cmd.Context())
	if err != nil {
		return cliError("failed to list sessions", err)
	}

	headers, rows := sessionRows(resp.Sessions)
	out, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func runSessionsClose(cmd *cobra.Command, args []string) error {
	client, err := sessionsRemote.client(cmd)
	if err != nil {
		return err
	}
	if err := client.CloseSession(cmd.Context(), args[0]); err != nil {
		return cliError("failed to close session", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
	return nil
}

func sessionRows(sessions []contracts.SessionInfo) ([]string, [][]string) {
	headers := []string{"SESSION", "STATE", "IN FLIGHT", "AGE"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.SessionID,
			s.State,
			fmt.Sprintf("%d", s.InFlight),
			time.Since(s.CreatedAt).Round(time.Second).String(),
		})
	}
	return headers, rows
}
