package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

var (
	callCmd = &cobra.Command{
		Use:   "call <operation>",
		Short: "Invoke one operation directly, without the agent",
		Long: `Start the tool servers a connection would get, invoke a single operation with
the given JSON arguments and print the result.

Examples:
  mcpagent call send_message --args '{"channel":"general","text":"hi"}'
  mcpagent call read_sheet --cred sheets_token=abc -o json`,
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}

	callConn         connectionFlags
	callArgsJSON     string
	callTimeout      time.Duration
	callOutputFormat string
)

// GetCallCommand returns the call command for adding to the root command
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callConn.register(callCmd)
	callCmd.Flags().StringVarP(&callArgsJSON, "args", "a", "{}", "Operation arguments as a JSON object")
	callCmd.Flags().DurationVarP(&callTimeout, "timeout", "t", 2*time.Minute, "Time allowed for startup and the call")
	callCmd.Flags().StringVarP(&callOutputFormat, "output", "o", "pretty", "Output format (pretty, json)")
}

func runCall(cmd *cobra.Command, args []string) error {
	operation := args[0]

	callArgs, err := parseCallArgs(callArgsJSON)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := callConn.params()
	if err != nil {
		return err
	}

	logger := commandLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	reg, _, err := startRegistry(ctx, cfg, params, logger)
	if err != nil {
		return fmt.Errorf("failed to start tool servers: %w", err)
	}
	defer reg.CloseAll()

	result, err := reg.Invoke(ctx, operation, callArgs)
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}

	switch callOutputFormat {
	case "json":
		return outputCallResultAsJSON(cmd, result)
	default:
		outputCallResultPretty(cmd, operation, result)
	}

	if result.IsError {
		return fmt.Errorf("operation %s reported an error", operation)
	}
	return nil
}

func parseCallArgs(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid --args JSON: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func outputCallResultAsJSON(cmd *cobra.Command, result *core.Result) error {
	payload := interface{}(result)
	if result.Raw != nil {
		payload = result.Raw
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func outputCallResultPretty(cmd *cobra.Command, operation string, result *core.Result) {
	status := "ok"
	if result.IsError {
		status = "error"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", operation, status)
	fmt.Fprintln(cmd.OutOrStdout(), result.Text)
}
