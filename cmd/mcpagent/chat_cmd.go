package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/runtime"
)

var (
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent over one local session",
		Long: `Open one session in-process, exactly as the HTTP API would for a client, and
read messages from stdin. Tool calls are reported on stderr as they happen.

Type /exit or send EOF to end the session.

Examples:
  mcpagent chat --cred sheets_token=abc
  echo "summarize the open issues" | mcpagent chat --quiet`,
		RunE: runChat,
	}

	chatConn   connectionFlags
	chatRecord bool
	chatQuiet  bool
)

// GetChatCommand returns the chat command for adding to the root command
func GetChatCommand() *cobra.Command {
	return chatCmd
}

func init() {
	chatConn.register(chatCmd)
	chatCmd.Flags().BoolVar(&chatRecord, "record", false, "Write tool activity to the local activity log (the server must not be running)")
	chatCmd.Flags().BoolVarP(&chatQuiet, "quiet", "q", false, "Do not report tool calls")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := chatConn.params()
	if err != nil {
		return err
	}
	cfg.Activity.Enabled = cfg.Activity.Enabled && chatRecord

	logger := commandLogger()
	defer func() { _ = logger.Sync() }()

	rt, err := runtime.New(cfg, logger, runtime.Options{})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()
	rt.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := rt.OpenSession(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer rt.CloseSession(sess.ID)

	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	fmt.Fprintf(stderr, "session %s ready with %d operations\n", sess.ID, len(sess.Operations))
	for _, d := range sess.Disabled {
		fmt.Fprintf(stderr, "skipped %s: %s\n", d.ID, d.DisabledReason)
	}

	if !chatQuiet {
		ctx = execution.WithObserver(ctx, execution.ObserverFunc(func(e execution.Event) {
			reportEvent(stderr, e)
		}))
	}

	interactive := isTerminal(os.Stdin)
	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), stderr, interactive,
		func(ctx context.Context, query string) (string, error) {
			answer, err := rt.SendMessage(ctx, sess.ID, query)
			if err != nil {
				return "", err
			}
			return answer.Output, nil
		})
}

// chatLoop reads one query per line and prints each answer. Failed
// executions are reported and the loop continues; it ends on EOF, /exit or
// cancellation of ctx.
func chatLoop(ctx context.Context, in io.Reader, out, errOut io.Writer, prompt bool, send func(context.Context, string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		query := strings.TrimSpace(scanner.Text())
		switch query {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		answer, err := send(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var timeout *execution.TimeoutError
			if errors.As(err, &timeout) {
				fmt.Fprintf(errOut, "timed out: %v\n", err)
				continue
			}
			fmt.Fprintf(errOut, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, answer)
	}
}

func reportEvent(w io.Writer, e execution.Event) {
	switch e.Type {
	case execution.EventToolStarted:
		if e.Activity != nil {
			fmt.Fprintf(w, "  -> %s %s\n", e.Activity.ToolName, e.Activity.Input)
		}
	case execution.EventToolFinished:
		if e.Activity != nil {
			fmt.Fprintf(w, "  <- %s %s (%dms)\n", e.Activity.ToolName, e.Activity.Status, e.Activity.DurationMs)
		}
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// lockedWriter serializes writes from observer callbacks and the loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
