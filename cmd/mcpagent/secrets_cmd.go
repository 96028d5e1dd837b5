package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secret"
)

var (
	secretsCmd = &cobra.Command{
		Use:   "secrets",
		Short: "Manage keyring secrets referenced by the catalog",
		Long: `Tool-server env values may reference ${keyring:name}, ${env:NAME} or the
connection's own ${cred:name}. These commands manage the keyring entries.`,
	}

	secretsSetCmd = &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret in the OS keyring",
		Long: `Store a secret in the OS keyring. The value is read from a hidden prompt
unless --from-env or --from-stdin is given.

Examples:
  mcpagent secrets set github_token
  mcpagent secrets set github_token --from-env GITHUB_TOKEN
  echo -n "$TOKEN" | mcpagent secrets set github_token --from-stdin`,
		Args: cobra.ExactArgs(1),
		RunE: runSecretsSet,
	}

	secretsGetCmd = &cobra.Command{
		Use:   "get <name>",
		Short: "Show a keyring secret (masked unless --reveal)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsGet,
	}

	secretsDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretsDelete,
	}

	secretsRefsCmd = &cobra.Command{
		Use:   "refs",
		Short: "List the secret references used by the catalog",
		RunE:  runSecretsRefs,
	}

	secretFromEnv       string
	secretFromStdin     bool
	secretReveal        bool
	secretsOutputFormat string
)

// GetSecretsCommand returns the secrets command for adding to the root command
func GetSecretsCommand() *cobra.Command {
	return secretsCmd
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsGetCmd, secretsDeleteCmd, secretsRefsCmd)

	secretsSetCmd.Flags().StringVar(&secretFromEnv, "from-env", "", "Read the value from this environment variable")
	secretsSetCmd.Flags().BoolVar(&secretFromStdin, "from-stdin", false, "Read the value from stdin")
	secretsSetCmd.MarkFlagsMutuallyExclusive("from-env", "from-stdin")

	secretsGetCmd.Flags().BoolVar(&secretReveal, "reveal", false, "Print the full value")
	secretsRefsCmd.Flags().StringVarP(&secretsOutputFormat, "output", "o", "", "Output format (table, json, yaml)")
}

func keyringRef(name string) secret.SecretRef {
	return secret.SecretRef{
		Type:     secret.SecretTypeKeyring,
		Name:     name,
		Original: fmt.Sprintf("${%s:%s}", secret.SecretTypeKeyring, name),
	}
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name := args[0]

	value, err := readSecretValue(cmd, name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("refusing to store an empty secret")
	}

	if err := secret.NewResolver().Store(cmd.Context(), keyringRef(name), value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s, reference it as ${keyring:%s}\n", name, name)
	return nil
}

func readSecretValue(cmd *cobra.Command, name string) (string, error) {
	switch {
	case secretFromEnv != "":
		value, ok := os.LookupEnv(secretFromEnv)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", secretFromEnv)
		}
		return value, nil
	case secretFromStdin:
		return readAllTrimmed(cmd.InOrStdin())
	default:
		return readPassword(cmd, fmt.Sprintf("Value for %s: ", name))
	}
}

func readAllTrimmed(r io.Reader) (string, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// readPassword prompts on stderr and reads without echo when stdin is a
// terminal.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if !isTerminal(os.Stdin) {
		return readAllTrimmed(cmd.InOrStdin())
	}

	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(data), nil
}

func runSecretsGet(cmd *cobra.Command, args []string) error {
	value, err := secret.NewResolver().Resolve(cmd.Context(), keyringRef(args[0]))
	if err != nil {
		return err
	}
	if !secretReveal {
		value = secret.MaskSecretValue(value)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretsDelete(cmd *cobra.Command, args []string) error {
	if err := secret.NewResolver().Delete(cmd.Context(), keyringRef(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func runSecretsRefs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	formatter, err := output.NewFormatter(output.ResolveFormat(secretsOutputFormat))
	if err != nil {
		return err
	}

	headers, rows := secretRefRows(cmd.Context(), cfg.Servers, secret.NewResolver())
	out, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// secretRefRows lists every reference in the catalog's env values. Keyring
// and env references are checked; cred references depend on the connection.
func secretRefRows(ctx context.Context, specs []*config.ServerSpec, resolver *secret.Resolver) ([]string, [][]string) {
	headers := []string{"SERVER", "ENV", "REFERENCE", "STATUS"}
	var rows [][]string

	for _, spec := range specs {
		if spec == nil {
			continue
		}
		envNames := make([]string, 0, len(spec.Env))
		for name := range spec.Env {
			envNames = append(envNames, name)
		}
		sort.Strings(envNames)

		for _, envName := range envNames {
			for _, ref := range secret.FindSecretRefs(spec.Env[envName]) {
				status := "per connection"
				if ref.Type != secret.SecretTypeCredential {
					if _, err := resolver.Resolve(ctx, *ref); err != nil {
						status = "missing"
					} else {
						status = "ok"
					}
				}
				rows = append(rows, []string{spec.ID, envName, ref.Original, status})
			}
		}
	}
	return headers, rows
}
