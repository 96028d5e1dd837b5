package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/contracts"
)

var (
	activityCmd = &cobra.Command{
		Use:   "activity",
		Short: "Query the tool activity log of a running server",
	}

	activityListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tool calls, newest first",
		Long: `List recorded tool calls.

Examples:
  mcpagent activity list --session 3f1c...
  mcpagent activity list --status failed --limit 20 -o json`,
		RunE: runActivityList,
	}

	activityShowCmd = &cobra.Command{
		Use:   "show <activity-id>",
		Short: "Show one tool call with its input and output",
		Args:  cobra.ExactArgs(1),
		RunE:  runActivityShow,
	}

	activityRemote       remoteFlags
	activityQuery        cliclient.ActivityQuery
	activityOutputFormat string
)

// GetActivityCommand returns the activity command for adding to the root command
func GetActivityCommand() *cobra.Command {
	return activityCmd
}

func init() {
	activityCmd.AddCommand(activityListCmd, activityShowCmd)
	activityRemote.register(activityCmd)
	activityCmd.PersistentFlags().StringVarP(&activityOutputFormat, "output", "o", "", "Output format (table, json, yaml)")

	activityListCmd.Flags().StringVar(&activityQuery.SessionID, "session", "", "Filter by session id")
	activityListCmd.Flags().StringVar(&activityQuery.ExecutionID, "execution", "", "Filter by execution id")
	activityListCmd.Flags().StringVar(&activityQuery.Server, "server-id", "", "Filter by tool server")
	activityListCmd.Flags().StringVar(&activityQuery.Tool, "tool", "", "Filter by tool name")
	activityListCmd.Flags().StringVar(&activityQuery.Status, "status", "", "Filter by status (running, completed, failed)")
	activityListCmd.Flags().IntVarP(&activityQuery.Limit, "limit", "n", 50, "Maximum records to return (1-100)")
	activityListCmd.Flags().IntVar(&activityQuery.Offset, "offset", 0, "Pagination offset")
}

func runActivityList(cmd *cobra.Command, _ []string) error {
	formatter, err := output.NewFormatter(output.ResolveFormat(activityOutputFormat))
	if err != nil {
		return err
	}
	client, err := activityRemote.client(cmd)
	if err != nil {
		return err
	}

	resp, err := client.ListActivities(cmd.Context(), activityQuery)
	if err != nil {
		return cliError("failed to list activity", err)
	}

	headers, rows := activityRows(resp.Activities)
	out, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)

	if shown := resp.Offset + len(resp.Activities); shown < resp.Total {
		fmt.Fprintf(cmd.ErrOrStderr(), "showing %d of %d, use --offset %d for more\n", len(resp.Activities), resp.Total, shown)
	}
	return nil
}

func runActivityShow(cmd *cobra.Command, args []string) error {
	formatter, err := output.NewFormatter(output.ResolveFormat(activityOutputFormat))
	if err != nil {
		return err
	}
	client, err := activityRemote.client(cmd)
	if err != nil {
		return err
	}

	resp, err := client.GetActivity(cmd.Context(), args[0])
	if err != nil {
		return cliError("failed to get activity", err)
	}

	if _, ok := formatter.(*output.TableFormatter); ok {
		printActivityDetail(cmd, resp.Activity)
		return nil
	}
	out, err := formatter.Format(resp.Activity)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func activityRows(records []contracts.ActivityRecord) ([]string, [][]string) {
	headers := []string{"ID", "TIME", "SERVER", "TOOL", "STATUS", "DURATION"}
	rows := make([][]string, 0, len(records))
	for _, a := range records {
		status := a.Status
		if a.Reason != "" {
			status += " (" + a.Reason + ")"
		}
		rows = append(rows, []string{
			a.ID,
			a.StartedAt.Local().Format("2006-01-02 15:04:05"),
			a.ServerID,
			a.ToolName,
			status,
			fmt.Sprintf("%dms", a.DurationMs),
		})
	}
	return headers, rows
}

func printActivityDetail(cmd *cobra.Command, a contracts.ActivityRecord) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ID:         %s\n", a.ID)
	fmt.Fprintf(w, "Execution:  %s\n", a.ExecutionID)
	fmt.Fprintf(w, "Session:    %s\n", a.SessionID)
	fmt.Fprintf(w, "Server:     %s\n", a.ServerID)
	fmt.Fprintf(w, "Tool:       %s\n", a.ToolName)
	fmt.Fprintf(w, "Status:     %s\n", a.Status)
	if a.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", a.Reason)
	}
	fmt.Fprintf(w, "Started:    %s\n", a.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Duration:   %dms\n", a.DurationMs)
	fmt.Fprintf(w, "\nInput:\n%s\n", a.Input)
	fmt.Fprintf(w, "\nOutput:\n%s\n", a.Output)
	if a.OutputTruncated {
		fmt.Fprintln(w, "(output truncated)")
	}
}
