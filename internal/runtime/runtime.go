package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/connection"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/conversation"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/logs"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/orchestrator"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secret"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/secureenv"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/storage"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

const retentionInterval = time.Hour

var (
	// ErrActivityDisabled is returned by activity queries when the audit log is off.
	ErrActivityDisabled = errors.New("activity log is disabled")
	// ErrNotReady is returned when sessions are opened outside PhaseRunning.
	ErrNotReady = errors.New("runtime is not ready")
	// ErrUnknownSubAgent is returned by QuerySubAgent for ids not in the config.
	ErrUnknownSubAgent = errors.New("unknown sub-agent")
)

// Options carry the collaborators New does not build itself.
type Options struct {
	// Factory builds policy engines. Nil means the OpenAI factory built from
	// cfg.Agent.
	Factory       agent.Factory
	Observability *observability.Manager
	// Secrets resolves ${env:...} and ${keyring:...} references. Nil means
	// secret.NewResolver().
	Secrets *secret.Resolver
}

// Session is the result of opening a connection.
type Session struct {
	ID         string                     `json:"session_id"`
	State      string                     `json:"state"`
	Operations []core.OperationDescriptor `json:"operations"`
	// Disabled lists catalog servers that were not started, with reasons.
	Disabled []config.ToolServerConfig `json:"disabled,omitempty"`
}

// Runtime owns the non-HTTP lifecycle of the agent service: storage, the
// conversation store, the connection registry and background loops.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	phase  *phaseMachine

	obs           *observability.Manager
	factory       agent.Factory
	secrets       *secret.Resolver
	envManager    *secureenv.Manager
	storage       *storage.Manager
	activity      *storage.ActivityObserver
	conversations *conversation.Store
	connections   *connection.Registry

	serverLogMu   sync.Mutex
	serverLoggers map[string]*zap.Logger

	appCtx    context.Context
	appCancel context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a runtime for cfg. Storage is opened only when the activity
// log is enabled.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	factory := opts.Factory
	if factory == nil {
		f, err := agent.NewOpenAIFactory(cfg.Agent, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create agent factory: %w", err)
		}
		factory = f
	}

	secrets := opts.Secrets
	if secrets == nil {
		secrets = secret.NewResolver()
	}

	appCtx, appCancel := context.WithCancel(context.Background())

	r := &Runtime{
		cfg:           cfg,
		logger:        logger,
		phase:         newPhaseMachine(PhaseInitializing),
		obs:           opts.Observability,
		factory:       factory,
		secrets:       secrets,
		envManager:    secureenv.NewManager(cfg.Environment),
		conversations: conversation.NewStore(cfg.Conversation.MaxMessages, logger),
		serverLoggers: make(map[string]*zap.Logger),
		appCtx:        appCtx,
		appCancel:     appCancel,
	}

	if cfg.Activity.Enabled {
		sm, err := storage.NewManager(cfg.DataDir, cfg.Activity.MaxResponseSize, logger.Sugar())
		if err != nil {
			appCancel()
			return nil, fmt.Errorf("failed to initialize storage manager: %w", err)
		}
		sm.SetObservability(opts.Observability)
		r.storage = sm
		r.activity = storage.NewActivityObserver(sm)
		opts.Observability.RegisterReadinessChecker(observability.NewDatabaseHealthChecker("storage", sm.GetDB()))
	}

	r.connections = connection.NewRegistry(connection.Options{
		NewOrchestrator: r.newOrchestrator,
		Logger:          logger,
		Observability:   opts.Observability,
	})

	opts.Observability.RegisterReadinessChecker(observability.NewFuncChecker("runtime", func(context.Context) error {
		if !r.IsReady() {
			return fmt.Errorf("runtime is %s", r.phase.Current())
		}
		return nil
	}))

	return r, nil
}

func (r *Runtime) newOrchestrator(sessionID string) *orchestrator.Orchestrator {
	logger := r.logger.With(zap.String("session_id", sessionID))

	coord := execution.Options{
		Store:         r.conversations,
		Timeout:       r.cfg.ExecutionTimeout,
		InputTruncate: r.cfg.ToolInputTruncate,
		AgentLabel:    r.cfg.Agent.Label,
		Logger:        logger,
		Observability: r.obs,
	}
	if r.activity != nil {
		coord.Observer = r.activity
	}

	return orchestrator.New(orchestrator.Options{
		Factory: r.factory,
		Upstream: upstream.Options{
			Logger: logger,
			Session: core.Options{
				Logger:           logger,
				EnvManager:       r.envManager,
				HandshakeTimeout: r.cfg.HandshakeTimeout,
				CallTimeout:      r.cfg.CallToolTimeout,
				CloseTimeout:     r.cfg.ConnectionCleanupTimeout,
			},
			ServerLogger:  r.serverLogger,
			Observability: r.obs,
		},
		Coordinator:    coord,
		CleanupTimeout: r.cfg.CleanupTimeout,
		Logger:         logger,
	})
}

// serverLogger returns the shared stderr logger for serverID. Every process
// of the same server writes to one rotating file.
func (r *Runtime) serverLogger(serverID string) *zap.Logger {
	if r.cfg.Logging == nil || !r.cfg.Logging.EnableFile {
		return nil
	}

	r.serverLogMu.Lock()
	defer r.serverLogMu.Unlock()

	if l, ok := r.serverLoggers[serverID]; ok {
		return l
	}
	l, err := logs.CreateServerLogger(r.cfg.Logging, serverID)
	if err != nil {
		r.logger.Warn("Failed to create tool server logger",
			zap.String("server", serverID),
			zap.Error(err))
		return nil
	}
	r.serverLoggers[serverID] = l
	return l
}

// Start launches the background loops and marks the runtime ready.
func (r *Runtime) Start() {
	if !r.phase.Transition(PhaseRunning) {
		return
	}

	if conv := r.cfg.Conversation; conv.SweepInterval > 0 && conv.TTL > 0 {
		r.goBackground(func(ctx context.Context) {
			r.conversations.RunSweeper(ctx, conv.SweepInterval, conv.TTL, r.connections.HasInFlight)
		})
	}
	r.goBackground(r.reportConversations)

	if r.storage != nil && r.cfg.Activity.Retention > 0 {
		r.goBackground(func(ctx context.Context) {
			r.storage.RunRetention(ctx, retentionInterval, r.cfg.Activity.Retention)
		})
	}

	r.logger.Info("Runtime started",
		zap.Int("catalog_servers", len(r.cfg.Servers)),
		zap.Bool("activity_log", r.storage != nil))
}

func (r *Runtime) goBackground(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.appCtx)
	}()
}

func (r *Runtime) reportConversations(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.obs.SetConversations(r.conversations.Len())
		}
	}
}

// IsReady reports whether the runtime accepts connections.
func (r *Runtime) IsReady() bool {
	return r.phase.Current() == PhaseRunning
}

// Phase returns the current lifecycle phase.
func (r *Runtime) Phase() Phase {
	return r.phase.Current()
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// Connections returns the connection registry.
func (r *Runtime) Connections() *connection.Registry { return r.connections }

// Conversations returns the conversation store.
func (r *Runtime) Conversations() *conversation.Store { return r.conversations }

// StorageManager returns the activity store, or nil when disabled.
func (r *Runtime) StorageManager() *storage.Manager { return r.storage }

// ToolServerConfigs materialises the catalog for params.
func (r *Runtime) ToolServerConfigs(ctx context.Context, params config.ConnectionParams) []config.ToolServerConfig {
	return r.toolServerConfigs(ctx, r.cfg.Servers, params)
}

func (r *Runtime) toolServerConfigs(ctx context.Context, specs []*config.ServerSpec, params config.ConnectionParams) []config.ToolServerConfig {
	return config.BuildToolServerConfigs(ctx, specs, params, r.secrets.WithCredentials(params.Credentials))
}

// AgentSpec returns the engine spec every connection is initialized with.
func (r *Runtime) AgentSpec() agent.Spec {
	return agent.Spec{
		SystemPrompt: agent.BuildSystemPrompt(r.cfg.Agent.Personality, r.cfg.Agent.SubAgents),
		Params:       r.cfg.Agent,
	}
}

// OpenSession registers a connection and initializes its orchestrator. On
// failure the connection is torn down again and the error returned.
func (r *Runtime) OpenSession(ctx context.Context, params config.ConnectionParams) (*Session, error) {
	return r.openSession(ctx, params, r.cfg.Servers, r.AgentSpec())
}

func (r *Runtime) openSession(ctx context.Context, params config.ConnectionParams, specs []*config.ServerSpec, spec agent.Spec) (*Session, error) {
	if !r.IsReady() {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, r.phase.Current())
	}

	configs := r.toolServerConfigs(ctx, specs, params)
	var disabled []config.ToolServerConfig
	for _, c := range configs {
		if !c.Enabled {
			disabled = append(disabled, c)
		}
	}

	id, orch := r.connections.OnConnect()
	if err := orch.Initialize(ctx, config.EnabledOnly(configs), spec); err != nil {
		r.connections.CancelAndCleanup(id)
		r.logger.Warn("Failed to open session",
			zap.String("session_id", id),
			zap.String("agent_id", params.AgentID),
			zap.Error(err))
		return nil, err
	}

	r.logger.Info("Session opened",
		zap.String("session_id", id),
		zap.String("agent_id", params.AgentID),
		zap.Int("operations", len(orch.Operations())),
		zap.Int("disabled_servers", len(disabled)))

	return &Session{
		ID:         id,
		State:      orch.State().String(),
		Operations: orch.Operations(),
		Disabled:   disabled,
	}, nil
}

// Query answers one query on a throwaway connection. The tool servers are
// started for params, the query runs without conversation history and the
// connection is torn down before Query returns, whatever the outcome.
func (r *Runtime) Query(ctx context.Context, params config.ConnectionParams, query string) (*execution.Answer, error) {
	return r.query(ctx, params, r.cfg.Servers, r.AgentSpec(), query)
}

// QuerySubAgent runs a one-shot query as the configured sub-agent id. The
// sub-agent acts under its own id, sees only its own catalog servers and
// its own personality, and is never offered further sub-agents.
func (r *Runtime) QuerySubAgent(ctx context.Context, subAgentID string, params config.ConnectionParams, query string) (*execution.Answer, error) {
	sa, ok := r.cfg.Agent.FindSubAgent(subAgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubAgent, subAgentID)
	}

	specs := r.cfg.Servers
	if len(sa.Servers) > 0 {
		allowed := make(map[string]bool, len(sa.Servers))
		for _, id := range sa.Servers {
			allowed[id] = true
		}
		specs = make([]*config.ServerSpec, 0, len(sa.Servers))
		for _, s := range r.cfg.Servers {
			if s != nil && allowed[s.ID] {
				specs = append(specs, s)
			}
		}
	}

	params.AgentID = sa.ID
	spec := agent.Spec{
		SystemPrompt: agent.BuildSystemPrompt(sa.Personality, nil),
		Params:       r.cfg.Agent,
	}
	return r.query(ctx, params, specs, spec, query)
}

func (r *Runtime) query(ctx context.Context, params config.ConnectionParams, specs []*config.ServerSpec, spec agent.Spec, query string) (*execution.Answer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, execution.ErrEmptyQuery
	}

	sess, err := r.openSession(ctx, params, specs, spec)
	if err != nil {
		return nil, err
	}
	defer r.connections.CancelAndCleanup(sess.ID)

	orch, ok := r.connections.Orchestrator(sess.ID)
	if !ok {
		return nil, connection.ErrUnknownSession
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done, err := r.connections.RegisterTask(sess.ID, cancel)
	if err != nil {
		return nil, err
	}
	defer done()

	// No session id: one-shot queries neither read nor write history.
	return orch.Execute(ctx, query, "")
}

// SendMessage runs query on the session.
func (r *Runtime) SendMessage(ctx context.Context, sessionID, query string) (*execution.Answer, error) {
	return r.connections.OnMessage(ctx, sessionID, query)
}

// CloseSession ends the session. It reports false for unknown ids.
func (r *Runtime) CloseSession(sessionID string) bool {
	if _, ok := r.connections.Orchestrator(sessionID); !ok {
		return false
	}
	r.connections.OnDisconnect(sessionID)
	r.conversations.Delete(sessionID)
	return true
}

// SessionState reports the orchestrator state of a live session.
func (r *Runtime) SessionState(sessionID string) (string, bool) {
	orch, ok := r.connections.Orchestrator(sessionID)
	if !ok {
		return "", false
	}
	return orch.State().String(), true
}

// ListSessions describes every live connection.
func (r *Runtime) ListSessions() []connection.Info {
	return r.connections.List()
}

// ListActivities queries the activity log.
func (r *Runtime) ListActivities(filter storage.ActivityFilter) ([]*storage.ActivityRecord, int, error) {
	if r.storage == nil {
		return nil, 0, ErrActivityDisabled
	}
	return r.storage.ListActivities(filter)
}

// GetActivity returns one activity record.
func (r *Runtime) GetActivity(id string) (*storage.ActivityRecord, error) {
	if r.storage == nil {
		return nil, ErrActivityDisabled
	}
	return r.storage.GetActivity(id)
}

// ListExecutions returns the newest execution outcomes for a session.
func (r *Runtime) ListExecutions(sessionID string, limit int) ([]*storage.ExecutionRecord, error) {
	if r.storage == nil {
		return nil, ErrActivityDisabled
	}
	return r.storage.ListExecutions(sessionID, limit)
}

// Close ends every connection, stops background loops and releases storage.
func (r *Runtime) Close() error {
	var errs []error

	r.closeOnce.Do(func() {
		r.phase.Transition(PhaseStopping)

		r.connections.CloseAll()
		r.appCancel()
		r.wg.Wait()

		if r.activity != nil {
			r.activity.Close()
		}
		if r.storage != nil {
			if err := r.storage.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close storage manager: %w", err))
				r.logger.Error("Failed to close storage", zap.Error(err))
			}
		}

		r.serverLogMu.Lock()
		for _, l := range r.serverLoggers {
			_ = l.Sync()
		}
		r.serverLogMu.Unlock()

		r.phase.Transition(PhaseStopped)
	})

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
