package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/cliclient"
)

// remoteFlags point a command at a running server. Both default to the
// values in the configuration.
type remoteFlags struct {
	server string
	apiKey string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", "", "Address of the running server (default: listen from config)")
	cmd.PersistentFlags().StringVar(&f.apiKey, "api-key", "", "API key (default: api_key from config)")
}

func (f *remoteFlags) client(cmd *cobra.Command) (*cliclient.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	endpoint := f.server
	if endpoint == "" {
		endpoint = cfg.Listen
	}
	apiKey := f.apiKey
	if apiKey == "" {
		apiKey = cfg.APIKey
	}

	return cliclient.NewClient(endpoint, apiKey, commandLogger().Sugar()), nil
}

// cliError returns a formatted error suitable for CLI output.
// It includes request_id when available from API errors.
func cliError(prefix string, err error) error {
	return fmt.Errorf("%s: %s", prefix, formatErrorWithRequestID(err))
}

func formatErrorWithRequestID(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *cliclient.APIError
	if errors.As(err, &apiErr) && apiErr.HasRequestID() {
		return apiErr.FormatWithRequestID()
	}
	return err.Error()
}
