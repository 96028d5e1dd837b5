package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/testutil"
)

func testOptions(t *testing.T) *Options {
	return &Options{
		Logger:           zaptest.NewLogger(t),
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      10 * time.Second,
		CloseTimeout:     2 * time.Second,
	}
}

func startSession(t *testing.T, id string, spec testutil.ToolServerSpec) *Session {
	t.Helper()
	s, err := Start(context.Background(), testutil.ToolServerConfig(id, spec), testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_DiscoverAndInvoke(t *testing.T) {
	s := startSession(t, "alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{testutil.Echo("ping"), testutil.Echo("send")},
	})

	ops, err := s.DiscoverOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)

	names := []string{ops[0].Name, ops[1].Name}
	assert.ElementsMatch(t, []string{"ping", "send"}, names)
	for _, op := range ops {
		assert.Equal(t, "alpha", op.ServerID)
		assert.NotEmpty(t, op.InputSchema)
	}

	res, err := s.Invoke(context.Background(), "ping", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ping:hello", res.Text)
}

func TestSession_OperationsAreCached(t *testing.T) {
	s := startSession(t, "alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{testutil.Echo("ping")},
	})

	assert.Empty(t, s.Operations())

	first, err := s.DiscoverOperations(context.Background())
	require.NoError(t, err)
	second, err := s.DiscoverOperations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, s.Operations())
}

func TestSession_ToolErrorIsAResult(t *testing.T) {
	s := startSession(t, "alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{{Name: "broken", Kind: testutil.KindFail}},
	})

	res, err := s.Invoke(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "broken failed")
}

func TestSession_NoToolCapability(t *testing.T) {
	s := startSession(t, "empty", testutil.ToolServerSpec{Mode: testutil.ModeNoTools})

	ops, err := s.DiscoverOperations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSession_ConcurrentInvokesArePaired(t *testing.T) {
	s := startSession(t, "alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{testutil.Echo("ping")},
	})

	const n = 16
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Invoke(context.Background(), "ping", map[string]interface{}{"text": string(rune('a' + i))})
			errs[i] = err
			if res != nil {
				results[i] = res.Text
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ping:"+string(rune('a'+i)), results[i])
	}
}

func TestSession_EnvironmentIsPassed(t *testing.T) {
	cfg := testutil.ToolServerConfig("alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{{Name: "getenv", Kind: testutil.KindEnv}},
	})
	cfg.Env["AGENT_ID"] = "agent-7"

	s, err := Start(context.Background(), cfg, testOptions(t))
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Invoke(context.Background(), "getenv", map[string]interface{}{"name": "AGENT_ID"})
	require.NoError(t, err)
	assert.Equal(t, "agent-7", res.Text)
}

func TestStart_SpawnFailure(t *testing.T) {
	_, err := Start(context.Background(), testutil.MissingCommandConfig("ghost"), testOptions(t))
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "got %T: %v", err, err)
	assert.Equal(t, "ghost", spawnErr.ServerID)
}

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), config.ToolServerConfig{ID: "blank", Enabled: true}, testOptions(t))
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestStart_HandshakeFailureCarriesStderr(t *testing.T) {
	cfg := testutil.ToolServerConfig("dying", testutil.ToolServerSpec{Mode: testutil.ModeExitBeforeHandshake})

	_, err := Start(context.Background(), cfg, testOptions(t))
	require.Error(t, err)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "dying", hsErr.ServerID)
	assert.Contains(t, hsErr.Stderr, "missing credentials")
}

func TestStart_HandshakeTimeout(t *testing.T) {
	cfg := testutil.ToolServerConfig("stuck", testutil.ToolServerSpec{Mode: testutil.ModeHang})
	opts := testOptions(t)
	opts.HandshakeTimeout = 300 * time.Millisecond

	start := time.Now()
	_, err := Start(context.Background(), cfg, opts)
	require.Error(t, err)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := startSession(t, "alpha", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{testutil.Echo("ping")},
	})
	pid := s.PID()
	assert.Greater(t, pid, 0)

	first := s.Close()
	second := s.Close()
	assert.Equal(t, first, second)

	_, err := s.Invoke(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.DiscoverOperations(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_InvokeHonoursContext(t *testing.T) {
	s := startSession(t, "slow", testutil.ToolServerSpec{
		Tools: []testutil.ToolSpec{testutil.Sleep("nap", 5*time.Second)},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Invoke(ctx, "nap", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
