// Package upstream aggregates the operations of several tool-server sessions
// into one name-addressable tool set.
package upstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

// Options configure Build.
type Options struct {
	Logger *zap.Logger
	// Session is the base option set handed to every core.Start call.
	Session core.Options
	// ServerLogger, when set, returns the logger that receives a server's stderr.
	ServerLogger  func(serverID string) *zap.Logger
	Observability *observability.Manager
}

// Registry owns a set of sessions and routes invocations by operation name.
// It is immutable after Build; Invoke is safe for concurrent use.
type Registry struct {
	logger *zap.Logger
	obs    *observability.Manager

	sessions   []*core.Session
	operations []core.OperationDescriptor
	owners     map[string]*core.Session

	closeOnce sync.Once
}

type buildResult struct {
	session *core.Session
	ops     []core.OperationDescriptor
}

// Build starts a session for every enabled config concurrently and merges
// their operations. Individual failures are logged and skipped. Build fails
// with ErrNoToolsAvailable if nothing was discovered and with
// *DuplicateOperationError if two servers share an operation name. On failure
// no process is left running.
func Build(ctx context.Context, configs []config.ToolServerConfig, opts *Options) (*Registry, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	enabled := make([]config.ToolServerConfig, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			logger.Debug("Skipping disabled tool server",
				zap.String("server", cfg.ID),
				zap.String("reason", cfg.DisabledReason))
			continue
		}
		enabled = append(enabled, cfg)
	}
	// Results are merged in config id order regardless of completion order.
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	results := make([]*buildResult, len(enabled))
	var wg sync.WaitGroup
	for i, cfg := range enabled {
		wg.Add(1)
		go func(i int, cfg config.ToolServerConfig) {
			defer wg.Done()
			results[i] = startOne(ctx, cfg, opts, logger)
		}(i, cfg)
	}
	wg.Wait()

	r := &Registry{
		logger: logger,
		obs:    opts.Observability,
		owners: make(map[string]*core.Session),
	}
	for _, res := range results {
		if res != nil {
			r.sessions = append(r.sessions, res.session)
		}
	}

	if err := ctx.Err(); err != nil {
		r.CloseAll()
		return nil, err
	}

	owners := make(map[string][]string)
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, op := range res.ops {
			if prev := owners[op.Name]; len(prev) == 0 || prev[len(prev)-1] != res.session.ID() {
				owners[op.Name] = append(prev, res.session.ID())
			}
			if _, taken := r.owners[op.Name]; taken {
				continue
			}
			r.owners[op.Name] = res.session
			r.operations = append(r.operations, op)
		}
	}

	if dup := firstDuplicate(owners); dup != nil {
		r.CloseAll()
		logger.Error("Duplicate operation name across tool servers",
			zap.String("operation", dup.Name),
			zap.Strings("servers", dup.Servers))
		return nil, dup
	}

	if len(r.operations) == 0 {
		r.CloseAll()
		return nil, ErrNoToolsAvailable
	}

	logger.Info("Tool registry built",
		zap.Int("servers_configured", len(configs)),
		zap.Int("servers_connected", len(r.sessions)),
		zap.Int("operations", len(r.operations)))

	return r, nil
}

func startOne(ctx context.Context, cfg config.ToolServerConfig, opts *Options, logger *zap.Logger) *buildResult {
	ctx, span := opts.Observability.StartSpawnSpan(ctx, cfg.ID)

	sessOpts := opts.Session
	if sessOpts.Logger == nil {
		sessOpts.Logger = logger
	}
	if opts.ServerLogger != nil {
		sessOpts.ServerLogger = opts.ServerLogger(cfg.ID)
	}

	start := time.Now()
	session, err := core.Start(ctx, cfg, &sessOpts)
	opts.Observability.RecordToolServerSpawn(err)
	if err != nil {
		observability.EndSpan(span, err)
		logStartFailure(logger, cfg, err)
		return nil
	}

	ops, err := session.DiscoverOperations(ctx)
	observability.EndSpan(span, err)
	if err != nil {
		logger.Warn("Tool server discovery failed, skipping",
			zap.String("server", cfg.ID),
			zap.Error(err))
		_ = session.Close()
		return nil
	}
	if len(ops) == 0 {
		logger.Warn("Tool server exposes no operations, skipping", zap.String("server", cfg.ID))
		_ = session.Close()
		return nil
	}

	logger.Debug("Tool server ready",
		zap.String("server", cfg.ID),
		zap.Int("operations", len(ops)),
		zap.Duration("startup", time.Since(start)))
	return &buildResult{session: session, ops: ops}
}

func logStartFailure(logger *zap.Logger, cfg config.ToolServerConfig, err error) {
	var spawnErr *core.SpawnError
	var handshakeErr *core.HandshakeError
	switch {
	case errors.As(err, &spawnErr):
		logger.Warn("Tool server failed to spawn, skipping",
			zap.String("server", cfg.ID),
			zap.String("command", cfg.Command),
			zap.Error(spawnErr.Err))
	case errors.As(err, &handshakeErr):
		logger.Warn("Tool server handshake failed, skipping",
			zap.String("server", cfg.ID),
			zap.String("stderr", handshakeErr.Stderr),
			zap.Error(handshakeErr.Err))
	default:
		logger.Warn("Tool server failed to start, skipping",
			zap.String("server", cfg.ID),
			zap.Error(err))
	}
}

func firstDuplicate(owners map[string][]string) *DuplicateOperationError {
	var names []string
	for name, servers := range owners {
		if len(servers) > 1 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &DuplicateOperationError{Name: names[0], Servers: owners[names[0]]}
}

// Operations returns every aggregated operation, grouped by server id.
func (r *Registry) Operations() []core.OperationDescriptor {
	return append([]core.OperationDescriptor(nil), r.operations...)
}

// Names returns the aggregated operation names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.operations))
	for i, op := range r.operations {
		names[i] = op.Name
	}
	return names
}

// Owner returns the id of the server that owns name.
func (r *Registry) Owner(name string) (string, bool) {
	s, ok := r.owners[name]
	if !ok {
		return "", false
	}
	return s.ID(), true
}

// ServerIDs returns the ids of the connected servers in id order.
func (r *Registry) ServerIDs() []string {
	ids := make([]string, len(r.sessions))
	for i, s := range r.sessions {
		ids[i] = s.ID()
	}
	return ids
}

// Invoke calls operation name on the session that owns it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (*core.Result, error) {
	session, ok := r.owners[name]
	if !ok {
		return nil, &UnknownOperationError{Name: name}
	}

	ctx, span := r.obs.StartToolSpan(ctx, session.ID(), name)
	start := time.Now()

	result, err := session.Invoke(ctx, name, args)

	callErr := err
	if callErr == nil && result.IsError {
		callErr = errors.New(result.Text)
	}
	r.obs.RecordToolCall(session.ID(), name, time.Since(start), callErr)
	observability.EndSpan(span, callErr)

	return result, err
}

// CloseAll closes every session concurrently. Failures are logged, never
// returned. Safe to call more than once.
func (r *Registry) CloseAll() {
	r.closeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, s := range r.sessions {
			wg.Add(1)
			go func(s *core.Session) {
				defer wg.Done()
				if err := s.Close(); err != nil {
					r.logger.Warn("Failed to close tool server session",
						zap.String("server", s.ID()),
						zap.Error(err))
				}
			}(s)
		}
		wg.Wait()
		r.logger.Debug("Tool registry closed", zap.Int("sessions", len(r.sessions)))
	})
}
