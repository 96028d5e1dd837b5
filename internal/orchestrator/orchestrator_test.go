package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/testutil"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/upstream/core"
)

func TestMain(m *testing.M) {
	testutil.RunToolServerIfRequested()
	os.Exit(m.Run())
}

// toolEngineFactory builds engines that call the tool named by the query.
var toolEngineFactory = agent.FactoryFunc(func(tools agent.ToolSet, spec agent.Spec) (agent.Engine, error) {
	return agent.EngineFunc(func(ctx context.Context, query string) (*agent.RunResult, error) {
		out, err := tools.Call(ctx, query, `{"text":"x"}`)
		if err != nil {
			out = "Error: " + err.Error()
		}
		return &agent.RunResult{Output: out}, nil
	}), nil
})

func newTestOrchestrator(factory agent.Factory) *Orchestrator {
	return New(Options{
		Factory:        factory,
		Upstream:       upstream.Options{Session: core.Options{HandshakeTimeout: 10 * time.Second}},
		Coordinator:    execution.Options{Timeout: 10 * time.Second},
		CleanupTimeout: 5 * time.Second,
		Logger:         zap.NewNop(),
	})
}

type fakeRegistry struct {
	ops    []core.OperationDescriptor
	closed atomic.Int32
}

func (f *fakeRegistry) Operations() []core.OperationDescriptor { return f.ops }

func (f *fakeRegistry) Invoke(_ context.Context, name string, _ map[string]interface{}) (*core.Result, error) {
	if f.closed.Load() > 0 {
		return nil, core.ErrSessionClosed
	}
	return &core.Result{Text: name + ":ok"}, nil
}

func (f *fakeRegistry) CloseAll() { f.closed.Add(1) }

func TestExecute_BeforeInitialize(t *testing.T) {
	o := newTestOrchestrator(toolEngineFactory)
	assert.Equal(t, StateEmpty, o.State())

	_, err := o.Execute(context.Background(), "ping", "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitialize_RealToolServers(t *testing.T) {
	o := newTestOrchestrator(toolEngineFactory)
	defer o.ForceCleanup()

	configs := []config.ToolServerConfig{
		testutil.ToolServerConfig("chat", testutil.ToolServerSpec{Tools: []testutil.ToolSpec{testutil.Echo("send")}}),
		testutil.MissingCommandConfig("broken"),
	}
	require.NoError(t, o.Initialize(context.Background(), configs, agent.Spec{}))
	assert.Equal(t, StateReady, o.State())
	require.Len(t, o.Operations(), 1)

	answer, err := o.Execute(context.Background(), "send", "")
	require.NoError(t, err)
	assert.Equal(t, "send:x", answer.Output)
	assert.Equal(t, []string{"send"}, answer.ToolsUsed)

	o.Cleanup()
	assert.Equal(t, StateEmpty, o.State())
	assert.Nil(t, o.Operations())

	_, err = o.Execute(context.Background(), "send", "")
	assert.ErrorIs(t, err, ErrNotInitialized)

	// idempotent
	o.Cleanup()
	o.ForceCleanup()
	assert.Equal(t, StateEmpty, o.State())
}

func TestInitialize_NoToolsLeavesEmpty(t *testing.T) {
	o := newTestOrchestrator(toolEngineFactory)

	err := o.Initialize(context.Background(), []config.ToolServerConfig{testutil.MissingCommandConfig("broken")}, agent.Spec{})
	assert.ErrorIs(t, err, upstream.ErrNoToolsAvailable)
	assert.Equal(t, StateEmpty, o.State())
}

func TestInitialize_EngineFailureReleasesRegistry(t *testing.T) {
	reg := &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}
	o := newTestOrchestrator(agent.FactoryFunc(func(agent.ToolSet, agent.Spec) (agent.Engine, error) {
		return nil, errors.New("bad model config")
	}))
	o.build = func(context.Context, []config.ToolServerConfig, *upstream.Options) (toolRegistry, error) {
		return reg, nil
	}

	err := o.Initialize(context.Background(), nil, agent.Spec{})
	assert.EqualError(t, err, "bad model config")
	assert.Equal(t, StateEmpty, o.State())
	assert.Equal(t, int32(1), reg.closed.Load())
}

func TestInitialize_SingleFlight(t *testing.T) {
	var builds atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{})

	o := newTestOrchestrator(toolEngineFactory)
	o.build = func(context.Context, []config.ToolServerConfig, *upstream.Options) (toolRegistry, error) {
		if builds.Add(1) == 1 {
			close(entered)
		}
		<-release
		return &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = o.Initialize(context.Background(), nil, agent.Spec{})
	}()

	<-entered
	assert.Equal(t, StateInitializing, o.State())

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = o.Initialize(context.Background(), nil, agent.Spec{})
	}()

	// the second call returns without waiting for the first
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, StateReady, o.State())
}

func TestInitialize_ReinitializeReplacesPriorState(t *testing.T) {
	var registries []*fakeRegistry
	o := newTestOrchestrator(toolEngineFactory)
	o.build = func(context.Context, []config.ToolServerConfig, *upstream.Options) (toolRegistry, error) {
		reg := &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}
		registries = append(registries, reg)
		return reg, nil
	}

	require.NoError(t, o.Initialize(context.Background(), nil, agent.Spec{}))
	require.NoError(t, o.Initialize(context.Background(), nil, agent.Spec{}))

	require.Len(t, registries, 2)
	assert.Equal(t, int32(1), registries[0].closed.Load())
	assert.Equal(t, int32(0), registries[1].closed.Load())
}

func TestForceCleanup_DuringInitialize(t *testing.T) {
	reg := &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}
	entered := make(chan struct{})

	o := newTestOrchestrator(toolEngineFactory)
	o.build = func(ctx context.Context, _ []config.ToolServerConfig, _ *upstream.Options) (toolRegistry, error) {
		close(entered)
		<-ctx.Done()
		return reg, nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- o.Initialize(context.Background(), nil, agent.Spec{}) }()

	<-entered
	o.ForceCleanup()

	assert.ErrorIs(t, <-errCh, ErrCleanedUp)
	assert.Equal(t, StateEmpty, o.State())
	assert.Equal(t, int32(1), reg.closed.Load())
}

func TestExecute_TimeoutKeepsReady(t *testing.T) {
	o := newTestOrchestrator(agent.FactoryFunc(func(tools agent.ToolSet, spec agent.Spec) (agent.Engine, error) {
		return agent.EngineFunc(func(ctx context.Context, query string) (*agent.RunResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	}))
	o.coordinatorOpts.Timeout = 10 * time.Millisecond
	o.build = func(context.Context, []config.ToolServerConfig, *upstream.Options) (toolRegistry, error) {
		return &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}, nil
	}
	require.NoError(t, o.Initialize(context.Background(), nil, agent.Spec{}))

	_, err := o.Execute(context.Background(), "ping", "")
	var timeout *execution.TimeoutError
	assert.ErrorAs(t, err, &timeout)
	assert.Equal(t, StateReady, o.State())
}

func TestCleanup_WaitsForInflight(t *testing.T) {
	reg := &fakeRegistry{ops: []core.OperationDescriptor{{Name: "ping", ServerID: "a"}}}
	running := make(chan struct{})
	finish := make(chan struct{})

	o := newTestOrchestrator(agent.FactoryFunc(func(tools agent.ToolSet, spec agent.Spec) (agent.Engine, error) {
		return agent.EngineFunc(func(ctx context.Context, query string) (*agent.RunResult, error) {
			close(running)
			<-finish
			out, err := tools.Call(ctx, "ping", "{}")
			return &agent.RunResult{Output: out}, err
		}), nil
	}))
	o.build = func(context.Context, []config.ToolServerConfig, *upstream.Options) (toolRegistry, error) {
		return reg, nil
	}
	require.NoError(t, o.Initialize(context.Background(), nil, agent.Spec{}))

	answerCh := make(chan *execution.Answer, 1)
	go func() {
		a, err := o.Execute(context.Background(), "ping", "")
		assert.NoError(t, err)
		answerCh <- a
	}()
	<-running

	cleaned := make(chan struct{})
	go func() {
		o.Cleanup()
		close(cleaned)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), reg.closed.Load(), "registry closed while an execution was running")
	close(finish)

	<-cleaned
	a := <-answerCh
	require.NotNil(t, a)
	assert.Equal(t, "ping:ok", a.Output)
	assert.Equal(t, int32(1), reg.closed.Load())
}

func TestIsolation_SeparateOrchestrators(t *testing.T) {
	a := newTestOrchestrator(toolEngineFactory)
	b := newTestOrchestrator(toolEngineFactory)
	defer a.ForceCleanup()
	defer b.ForceCleanup()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = a.Initialize(context.Background(), []config.ToolServerConfig{
			testutil.ToolServerConfig("alpha", testutil.ToolServerSpec{Tools: []testutil.ToolSpec{testutil.Echo("alpha_op")}}),
		}, agent.Spec{})
	}()
	go func() {
		defer wg.Done()
		errB = b.Initialize(context.Background(), []config.ToolServerConfig{
			testutil.ToolServerConfig("beta", testutil.ToolServerSpec{Tools: []testutil.ToolSpec{testutil.Echo("beta_op")}}),
		}, agent.Spec{})
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	ans, err := a.Execute(context.Background(), "alpha_op", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha_op:x", ans.Output)

	ans, err = a.Execute(context.Background(), "beta_op", "")
	require.NoError(t, err)
	assert.Contains(t, ans.Output, `unknown operation "beta_op"`)

	ans, err = b.Execute(context.Background(), "alpha_op", "")
	require.NoError(t, err)
	assert.Contains(t, ans.Output, `unknown operation "alpha_op"`)

	// tearing down one connection leaves the other usable
	a.ForceCleanup()
	ans, err = b.Execute(context.Background(), "beta_op", "")
	require.NoError(t, err)
	assert.Equal(t, "beta_op:x", ans.Output)
}
