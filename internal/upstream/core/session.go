// Package core owns a single tool-server process and the MCP session spoken
// over its standard input and output.
package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secureenv"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultCallTimeout      = 2 * time.Minute
	defaultCloseTimeout     = 3 * time.Second

	processGracefulTimeout         = 2 * time.Second
	processTerminationPollInterval = 100 * time.Millisecond
	stderrTailLines                = 20
	stderrDrainTimeout             = 500 * time.Millisecond

	clientName    = "mcpagent"
	clientVersion = "1.0.0"
)

// Options tune how a session is started and driven.
type Options struct {
	Logger *zap.Logger
	// ServerLogger receives the process's stderr, one entry per line.
	ServerLogger *zap.Logger
	EnvManager   *secureenv.Manager

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	CloseTimeout     time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.EnvManager == nil {
		out.EnvManager = secureenv.NewManager(nil)
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = defaultCloseTimeout
	}
	return out
}

// Session is one running tool-server process plus its protocol session.
// Invoke is safe for concurrent use; the MCP client correlates responses by
// request id. Close is idempotent.
type Session struct {
	config       config.ToolServerConfig
	logger       *zap.Logger
	serverLogger *zap.Logger
	callTimeout  time.Duration
	closeTimeout time.Duration

	mu         sync.RWMutex
	client     *client.Client
	serverInfo *mcp.InitializeResult
	operations []OperationDescriptor

	cmd  *exec.Cmd
	pgid int

	stderr     *stderrTail
	stderrDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start spawns the process described by cfg and performs the MCP initialize
// handshake. It returns *SpawnError if the process cannot be started and
// *HandshakeError if initialization fails; in both cases nothing is left running.
func Start(ctx context.Context, cfg config.ToolServerConfig, opts *Options) (*Session, error) {
	o := opts.withDefaults()

	s := &Session{
		config:       cfg,
		logger:       o.Logger.With(zap.String("server", cfg.ID)),
		serverLogger: o.ServerLogger,
		callTimeout:  o.CallTimeout,
		closeTimeout: o.CloseTimeout,
		stderr:       newStderrTail(stderrTailLines),
	}

	if cfg.Command == "" {
		return nil, &SpawnError{ServerID: cfg.ID, Err: errors.New("no command specified")}
	}

	envVars := o.EnvManager.Build(cfg.Env)
	stdio := uptransport.NewStdioWithOptions(cfg.Command, envVars, cfg.Args,
		uptransport.WithCommandFunc(s.commandFunc()))
	mcpClient := client.NewClient(stdio)

	// The process must outlive the handshake context, so it is started with a
	// background context and torn down explicitly by Close.
	if err := mcpClient.Start(context.Background()); err != nil {
		s.killProcess()
		return nil, &SpawnError{ServerID: cfg.ID, Command: cfg.Command, Err: err}
	}

	s.mu.Lock()
	s.client = mcpClient
	s.mu.Unlock()
	s.trackProcessGroup()

	if stderr := stdio.Stderr(); stderr != nil {
		s.stderrDone = make(chan struct{})
		go s.monitorStderr(stderr)
	}

	s.logger.Debug("Tool server process started",
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args),
		zap.Int("pgid", s.pgid))

	initCtx, cancel := context.WithTimeout(ctx, o.HandshakeTimeout)
	defer cancel()

	if err := s.initialize(initCtx); err != nil {
		s.Close()
		return nil, &HandshakeError{ServerID: cfg.ID, Err: err, Stderr: s.stderr.String()}
	}

	return s, nil
}

func (s *Session) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := s.client.Initialize(ctx, initRequest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.serverInfo = serverInfo
	s.mu.Unlock()

	s.logger.Info("MCP initialization successful",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

// ID returns the config id this session was started from.
func (s *Session) ID() string { return s.config.ID }

// ServerInfo returns the initialize result, or nil before the handshake.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

// PID returns the process id, or 0 if unknown.
func (s *Session) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// DiscoverOperations lists the server's tools. The list is fetched once and
// cached; operations are fixed for the lifetime of the session.
func (s *Session) DiscoverOperations(ctx context.Context) ([]OperationDescriptor, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	s.mu.RLock()
	c := s.client
	serverInfo := s.serverInfo
	cached := s.operations
	s.mu.RUnlock()

	if cached != nil {
		return append([]OperationDescriptor(nil), cached...), nil
	}

	if serverInfo != nil && serverInfo.Capabilities.Tools == nil {
		s.logger.Debug("Server does not advertise tools")
		s.setOperations([]OperationDescriptor{})
		return []OperationDescriptor{}, nil
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &DiscoveryError{ServerID: s.config.ID, Err: err}
	}

	ops := make([]OperationDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		ops = append(ops, toDescriptor(s.config.ID, tool))
	}
	s.setOperations(ops)

	s.logger.Info("Discovered operations", zap.Int("tool_count", len(ops)))
	return append([]OperationDescriptor(nil), ops...), nil
}

func (s *Session) setOperations(ops []OperationDescriptor) {
	s.mu.Lock()
	s.operations = ops
	s.mu.Unlock()
}

// Operations returns the cached operation list without contacting the server.
func (s *Session) Operations() []OperationDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OperationDescriptor(nil), s.operations...)
}

// Invoke calls operation name with args and waits for the paired response.
// A tool-reported failure comes back as a Result with IsError set, not as an error.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	callCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > s.callTimeout {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.CallTool(callCtx, request)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call to %s on %s timed out after %v", name, s.config.ID, s.callTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := err.Error(); strings.Contains(msg, "broken pipe") || strings.Contains(msg, "closed pipe") {
			s.logger.Warn("Tool call failed on a closed pipe",
				zap.String("tool", name),
				zap.String("stderr", s.stderr.String()))
		}
		return nil, fmt.Errorf("call to %s on %s failed: %w", name, s.config.ID, err)
	}

	s.logger.Debug("Tool call finished",
		zap.String("tool", name),
		zap.Bool("is_error", result.IsError),
		zap.Duration("duration", time.Since(start)))

	return newResult(result), nil
}

// Close terminates the process and releases the channel. Only the first call
// does work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Session) shutdown() error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()

	var closeErr error
	if c != nil {
		done := make(chan error, 1)
		go func() {
			done <- c.Close()
		}()

		select {
		case closeErr = <-done:
		case <-time.After(s.closeTimeout):
			s.logger.Warn("MCP client close timed out, killing process",
				zap.Duration("timeout", s.closeTimeout))
			closeErr = fmt.Errorf("close timed out after %v", s.closeTimeout)
		}
	}

	// Children of the server (npx, uvx wrappers) share its process group and
	// may survive the leader; make sure none of them are left behind.
	s.killProcess()

	if s.stderrDone != nil {
		select {
		case <-s.stderrDone:
		case <-time.After(stderrDrainTimeout):
		}
	}

	if closeErr != nil && isBenignCloseError(closeErr) {
		closeErr = nil
	}
	if closeErr != nil {
		s.logger.Debug("Session closed with error", zap.Error(closeErr))
	} else {
		s.logger.Debug("Session closed")
	}
	return closeErr
}

func (s *Session) killProcess() {
	s.mu.RLock()
	pgid := s.pgid
	cmd := s.cmd
	s.mu.RUnlock()

	if pgid > 0 {
		if err := killProcessGroup(pgid, s.logger); err != nil {
			s.logger.Warn("Failed to terminate process group", zap.Int("pgid", pgid), zap.Error(err))
		}
		return
	}
	if cmd != nil && cmd.Process != nil && cmd.ProcessState == nil {
		_ = cmd.Process.Kill()
	}
}

// commandFunc builds the exec.Cmd for the transport so the process gets its
// own group and the session keeps a handle on it.
func (s *Session) commandFunc() func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if s.config.WorkingDir != "" {
			cmd.Dir = s.config.WorkingDir
		}
		setProcessGroup(cmd)

		s.mu.Lock()
		s.cmd = cmd
		s.mu.Unlock()
		return cmd, nil
	}
}

// trackProcessGroup records the group id once the transport has started the
// command. The child leads its own group, so the id equals its pid.
func (s *Session) trackProcessGroup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		s.pgid = processGroupID(s.cmd)
	}
}

func (s *Session) monitorStderr(r io.Reader) {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.stderr.Add(line)
		if s.serverLogger != nil {
			s.serverLogger.Info(line)
		}
	}
}

func isBenignCloseError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "signal: killed") ||
		strings.Contains(msg, "signal: terminated") ||
		strings.Contains(msg, "exit status")
}

// stderrTail keeps the last n stderr lines.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
