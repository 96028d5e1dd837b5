package connection

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/agent"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/execution"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/orchestrator"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunToolServerIfRequested()
	os.Exit(m.Run())
}

// blockingFactory builds engines that call the tool named by the query, or
// wait for cancellation when the query is "wait".
func blockingFactory(started chan<- struct{}) agent.Factory {
	return agent.FactoryFunc(func(tools agent.ToolSet, spec agent.Spec) (agent.Engine, error) {
		return agent.EngineFunc(func(ctx context.Context, query string) (*agent.RunResult, error) {
			if query == "wait" {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			out, err := tools.Call(ctx, query, `{"text":"hi"}`)
			if err != nil {
				return nil, err
			}
			return &agent.RunResult{Output: out}, nil
		}), nil
	})
}

func newTestRegistry(factory agent.Factory) *Registry {
	return NewRegistry(Options{
		NewOrchestrator: func(string) *orchestrator.Orchestrator {
			return orchestrator.New(orchestrator.Options{
				Factory:        factory,
				Coordinator:    execution.Options{Timeout: 10 * time.Second},
				CleanupTimeout: 5 * time.Second,
				Logger:         zap.NewNop(),
			})
		},
		Logger: zap.NewNop(),
	})
}

func echoConfigs(tool string) []config.ToolServerConfig {
	return []config.ToolServerConfig{
		testutil.ToolServerConfig("srv", testutil.ToolServerSpec{Tools: []testutil.ToolSpec{testutil.Echo(tool)}}),
	}
}

func TestOnConnect_FreshOrchestrators(t *testing.T) {
	r := newTestRegistry(blockingFactory(nil))
	defer r.CloseAll()

	idA, orchA := r.OnConnect()
	idB, orchB := r.OnConnect()

	assert.NotEqual(t, idA, idB)
	assert.NotSame(t, orchA, orchB)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Orchestrator(idA)
	require.True(t, ok)
	assert.Same(t, orchA, got)
}

func TestOnMessage_UnknownSession(t *testing.T) {
	r := newTestRegistry(blockingFactory(nil))

	_, err := r.OnMessage(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = r.RegisterTask("missing", func() {})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestOnMessage_RunsOnOwnOrchestrator(t *testing.T) {
	r := newTestRegistry(blockingFactory(nil))
	defer r.CloseAll()

	id, orch := r.OnConnect()
	require.NoError(t, orch.Initialize(context.Background(), echoConfigs("ping"), agent.Spec{}))

	answer, err := r.OnMessage(context.Background(), id, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping:hi", answer.Output)
	assert.False(t, r.HasInFlight(id))
}

func TestOnDisconnect_CancelsInflightAndCleansUp(t *testing.T) {
	started := make(chan struct{}, 1)
	r := newTestRegistry(blockingFactory(started))

	id, orch := r.OnConnect()
	require.NoError(t, orch.Initialize(context.Background(), echoConfigs("ping"), agent.Spec{}))

	errCh := make(chan error, 1)
	go func() {
		_, err := r.OnMessage(context.Background(), id, "wait")
		errCh <- err
	}()

	<-started
	assert.True(t, r.HasInFlight(id))

	r.OnDisconnect(id)

	err := <-errCh
	var cancelled *execution.CancelledError
	assert.ErrorAs(t, err, &cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, orchestrator.StateEmpty, orch.State())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.HasInFlight(id))

	// second disconnect is a no-op
	r.OnDisconnect(id)
}

func TestDisconnect_DoesNotAffectOtherConnections(t *testing.T) {
	started := make(chan struct{}, 1)
	r := newTestRegistry(blockingFactory(started))
	defer r.CloseAll()

	idA, orchA := r.OnConnect()
	idB, orchB := r.OnConnect()
	require.NoError(t, orchA.Initialize(context.Background(), echoConfigs("ping"), agent.Spec{}))
	require.NoError(t, orchB.Initialize(context.Background(), echoConfigs("ping"), agent.Spec{}))

	r.OnDisconnect(idA)

	answer, err := r.OnMessage(context.Background(), idB, "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping:hi", answer.Output)
	assert.Equal(t, orchestrator.StateReady, orchB.State())
}

func TestRegisterTask_TracksInflight(t *testing.T) {
	r := newTestRegistry(blockingFactory(nil))
	defer r.CloseAll()
	id, _ := r.OnConnect()

	cancelled := false
	done, err := r.RegisterTask(id, func() { cancelled = true })
	require.NoError(t, err)
	assert.True(t, r.HasInFlight(id))

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].InFlight)
	assert.Equal(t, "empty", infos[0].State)

	done()
	assert.False(t, r.HasInFlight(id))

	_, err = r.RegisterTask(id, func() { cancelled = true })
	require.NoError(t, err)
	r.CancelAndCleanup(id)
	assert.True(t, cancelled)
}
