// Package connection binds live client connections to their orchestrators
// and to the executions running on them.
package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/orchestrator"
)

// ErrUnknownSession is returned for session ids with no live connection.
var ErrUnknownSession = errors.New("unknown session")

// Options configure a Registry.
type Options struct {
	// NewOrchestrator creates the orchestrator for a new connection. Every
	// call must return a fresh instance.
	NewOrchestrator func(sessionID string) *orchestrator.Orchestrator
	Logger          *zap.Logger
	Observability   *observability.Manager
}

type conn struct {
	id        string
	orch      *orchestrator.Orchestrator
	createdAt time.Time

	nextTask uint64
	tasks    map[uint64]context.CancelFunc
}

// Info describes one live connection.
type Info struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	InFlight  int       `json:"in_flight"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry tracks live connections. Safe for concurrent use.
type Registry struct {
	newOrchestrator func(sessionID string) *orchestrator.Orchestrator
	logger          *zap.Logger
	obs             *observability.Manager

	mu    sync.Mutex
	conns map[string]*conn
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		newOrchestrator: opts.NewOrchestrator,
		logger:          logger,
		obs:             opts.Observability,
		conns:           make(map[string]*conn),
	}
}

// OnConnect allocates a session id and a fresh orchestrator for it.
func (r *Registry) OnConnect() (string, *orchestrator.Orchestrator) {
	id := uuid.NewString()
	c := &conn{
		id:        id,
		orch:      r.newOrchestrator(id),
		createdAt: time.Now(),
		tasks:     make(map[uint64]context.CancelFunc),
	}

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	r.obs.ConnectionOpened()
	r.logger.Info("Connection opened", zap.String("session_id", id))
	return id, c.orch
}

// Orchestrator returns the orchestrator of a live session.
func (r *Registry) Orchestrator(sessionID string) (*orchestrator.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[sessionID]
	if !ok {
		return nil, false
	}
	return c.orch, true
}

// RegisterTask records cancel as an in-flight task of sessionID. The
// returned function unregisters it and must be called when the task ends.
func (r *Registry) RegisterTask(sessionID string, cancel context.CancelFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	c.nextTask++
	taskID := c.nextTask
	c.tasks[taskID] = cancel

	return func() {
		r.mu.Lock()
		delete(c.tasks, taskID)
		r.mu.Unlock()
	}, nil
}

// HasInFlight reports whether sessionID has a running task.
func (r *Registry) HasInFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[sessionID]
	return ok && len(c.tasks) > 0
}

// OnMessage runs query on the session's orchestrator as a registered task,
// so a disconnect cancels it.
func (r *Registry) OnMessage(ctx context.Context, sessionID, query string) (*execution.Answer, error) {
	orch, ok := r.Orchestrator(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done, err := r.RegisterTask(sessionID, cancel)
	if err != nil {
		return nil, err
	}
	defer done()

	return orch.Execute(ctx, query, sessionID)
}

// OnDisconnect ends the session.
func (r *Registry) OnDisconnect(sessionID string) {
	r.CancelAndCleanup(sessionID)
}

// CancelAndCleanup cancels the session's in-flight tasks, tears down its
// orchestrator and forgets it. Unknown ids are ignored.
func (r *Registry) CancelAndCleanup(sessionID string) {
	r.mu.Lock()
	c, ok := r.conns[sessionID]
	if ok {
		delete(r.conns, sessionID)
	}
	var cancels []context.CancelFunc
	if ok {
		for _, cancel := range c.tasks {
			cancels = append(cancels, cancel)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	for _, cancel := range cancels {
		cancel()
	}
	c.orch.ForceCleanup()

	r.obs.ConnectionClosed()
	r.logger.Info("Connection closed",
		zap.String("session_id", sessionID),
		zap.Int("cancelled_tasks", len(cancels)))
}

// List describes every live connection, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	inflight := make(map[string]int, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
		inflight[c.id] = len(c.tasks)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, Info{
			SessionID: c.id,
			State:     c.orch.State().String(),
			InFlight:  inflight[c.id],
			CreatedAt: c.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll ends every session concurrently.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.CancelAndCleanup(id)
		}(id)
	}
	wg.Wait()
}
