// Package orchestrator owns the tool lifecycle of one client connection:
// spawning its tool servers, building its engine and running its queries.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

// State is the lifecycle state of an Orchestrator.
type State int

const (
	StateEmpty State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInitialized is returned by Execute before Initialize succeeded.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrCleanedUp is returned by Initialize when a cleanup ran while it
	// was building.
	ErrCleanedUp = errors.New("orchestrator cleaned up during initialization")
)

// toolRegistry is what the orchestrator needs from *upstream.Registry.
type toolRegistry interface {
	execution.Invoker
	CloseAll()
}

type buildFunc func(ctx context.Context, configs []config.ToolServerConfig, opts *upstream.Options) (toolRegistry, error)

func buildUpstream(ctx context.Context, configs []config.ToolServerConfig, opts *upstream.Options) (toolRegistry, error) {
	r, err := upstream.Build(ctx, configs, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Options configure an Orchestrator.
type Options struct {
	Factory     agent.Factory
	Upstream    upstream.Options
	Coordinator execution.Options
	// CleanupTimeout bounds teardown; zero means config.DefaultCleanupTimeout.
	CleanupTimeout time.Duration
	Logger         *zap.Logger
}

// resources is everything one successful Initialize created.
type resources struct {
	registry    toolRegistry
	engine      agent.Engine
	coordinator *execution.Coordinator
	inflight    sync.WaitGroup
}

// Orchestrator is the single entry and exit point for one connection's
// tools. Instances must not be shared between connections.
type Orchestrator struct {
	factory         agent.Factory
	upstreamOpts    upstream.Options
	coordinatorOpts execution.Options
	cleanupTimeout  time.Duration
	logger          *zap.Logger
	build           buildFunc

	mu             sync.Mutex
	state          State
	isInitializing bool
	generation     uint64
	cancelInit     context.CancelFunc
	res            *resources
}

// New creates an empty orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		factory:         opts.Factory,
		upstreamOpts:    opts.Upstream,
		coordinatorOpts: opts.Coordinator,
		cleanupTimeout:  opts.CleanupTimeout,
		logger:          opts.Logger,
		build:           buildUpstream,
	}
	if o.cleanupTimeout <= 0 {
		o.cleanupTimeout = config.DefaultCleanupTimeout
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.upstreamOpts.Logger == nil {
		o.upstreamOpts.Logger = o.logger
	}
	if o.coordinatorOpts.Logger == nil {
		o.coordinatorOpts.Logger = o.logger
	}
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Initialize spawns the tool servers for configs and builds the engine over
// their aggregated operations. Prior state is torn down first. If another
// Initialize is in progress it returns nil at once without spawning
// anything. On failure everything created so far is released.
func (o *Orchestrator) Initialize(ctx context.Context, configs []config.ToolServerConfig, spec agent.Spec) error {
	o.mu.Lock()
	if o.isInitializing {
		o.mu.Unlock()
		o.logger.Debug("Initialization already in progress, skipping")
		return nil
	}
	o.isInitializing = true
	o.state = StateInitializing
	o.generation++
	gen := o.generation
	prior := o.res
	o.res = nil
	ctx, cancel := context.WithCancel(ctx)
	o.cancelInit = cancel
	o.mu.Unlock()
	defer cancel()

	o.teardown(prior, false)

	o.logger.Info("Initializing connection tools", zap.Int("configs", len(configs)))
	started := time.Now()

	res, err := o.create(ctx, configs, spec)

	o.mu.Lock()
	if gen != o.generation {
		// a cleanup ran while we were building
		o.mu.Unlock()
		o.teardown(res, false)
		return ErrCleanedUp
	}
	o.isInitializing = false
	o.cancelInit = nil
	if err != nil {
		o.state = StateEmpty
		o.mu.Unlock()
		o.logger.Error("Connection initialization failed", zap.Error(err))
		return err
	}
	o.res = res
	o.state = StateReady
	o.mu.Unlock()

	o.logger.Info("Connection tools ready",
		zap.Int("operations", len(res.registry.Operations())),
		zap.Duration("duration", time.Since(started)))
	return nil
}

func (o *Orchestrator) create(ctx context.Context, configs []config.ToolServerConfig, spec agent.Spec) (*resources, error) {
	registry, err := o.build(ctx, configs, &o.upstreamOpts)
	if err != nil {
		return nil, err
	}

	res := &resources{registry: registry}
	if o.factory == nil {
		o.teardown(res, false)
		return nil, errors.New("no engine factory configured")
	}
	engine, err := o.factory.NewEngine(execution.TrackedTools(registry), spec)
	if err != nil {
		o.teardown(res, false)
		return nil, err
	}
	res.engine = engine
	res.coordinator = execution.NewCoordinator(o.coordinatorOpts)
	return res, nil
}

// Execute runs query on this connection's engine.
func (o *Orchestrator) Execute(ctx context.Context, query, sessionID string) (*execution.Answer, error) {
	o.mu.Lock()
	res := o.res
	if o.state != StateReady || res == nil {
		o.mu.Unlock()
		return nil, ErrNotInitialized
	}
	res.inflight.Add(1)
	o.mu.Unlock()
	defer res.inflight.Done()

	return res.coordinator.Execute(ctx, res.engine, query, sessionID)
}

// Operations returns the aggregated operations, or nil when not ready.
func (o *Orchestrator) Operations() []core.OperationDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.res == nil {
		return nil
	}
	return o.res.registry.Operations()
}

// Cleanup waits for running executions, then tears everything down. Both
// steps share the cleanup timeout. Safe to call repeatedly.
func (o *Orchestrator) Cleanup() {
	o.reset(true)
}

// ForceCleanup tears everything down without waiting for running
// executions. An Initialize in progress is cancelled. Safe to call
// repeatedly.
func (o *Orchestrator) ForceCleanup() {
	o.reset(false)
}

func (o *Orchestrator) reset(wait bool) {
	o.mu.Lock()
	res := o.res
	o.res = nil
	if o.isInitializing {
		o.generation++
		o.isInitializing = false
		if o.cancelInit != nil {
			o.cancelInit()
			o.cancelInit = nil
		}
	}
	o.state = StateEmpty
	o.mu.Unlock()

	o.teardown(res, wait)
}

// teardown releases res within the cleanup timeout. A teardown that runs
// over is logged and left to finish in the background.
func (o *Orchestrator) teardown(res *resources, wait bool) {
	if res == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if wait {
			res.inflight.Wait()
		}
		if closer, ok := res.engine.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				o.logger.Warn("Failed to close engine", zap.Error(err))
			}
		}
		res.registry.CloseAll()
	}()

	select {
	case <-done:
		o.logger.Debug("Connection tools released")
	case <-time.After(o.cleanupTimeout):
		o.logger.Warn("Connection cleanup timed out, continuing in background",
			zap.Duration("timeout", o.cleanupTimeout))
	}
}
