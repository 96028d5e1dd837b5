package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedTools_Tools(t *testing.T) {
	tools := TrackedTools(newFakeInvoker("a", "b")).Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "srv-a", tools[0].ServerID)
	assert.Equal(t, "a tool", tools[0].Description)
}

func TestTrackedTools_CallWithoutExecution(t *testing.T) {
	inv := newFakeInvoker("echo")
	go func() {
		for range inv.started {
		}
	}()
	defer close(inv.started)

	out, err := TrackedTools(inv).Call(context.Background(), "echo", `{"text":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "echo:x", out)

	out, err = TrackedTools(inv).Call(context.Background(), "echo", "")
	require.NoError(t, err)
	assert.Equal(t, "echo:", out)
}

func TestTrackedTools_InvalidArguments(t *testing.T) {
	_, err := TrackedTools(newFakeInvoker("echo")).Call(context.Background(), "echo", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments for echo")
}

func TestTracker_RefusesCallsAfterClose(t *testing.T) {
	log := &eventLog{}
	tr := newTracker("exec-1", "", 100, log.OnEvent)

	id, err := tr.start("ping", "srv", "{}")
	require.NoError(t, err)

	tr.close(StatusFailed, ReasonTimeout)
	tr.finish(id, "late output", false)

	_, err = tr.start("ping", "srv", "{}")
	assert.ErrorIs(t, err, errExecutionClosed)

	acts := tr.snapshot()
	require.Len(t, acts, 1)
	assert.Equal(t, StatusFailed, acts[0].Status)
	assert.Equal(t, ReasonTimeout, acts[0].Reason)
	assert.Empty(t, acts[0].Output)

	// one start, one terminal
	assert.Equal(t, []EventType{EventToolStarted, EventToolFinished}, log.types())
}

func TestTracker_TruncatesPayloads(t *testing.T) {
	tr := newTracker("exec-1", "", 20, nil)
	long := `{"text":"` + string(make([]byte, 200)) + `"}`

	id, err := tr.start("ping", "srv", long)
	require.NoError(t, err)
	tr.finish(id, string(make([]byte, 500)), false)

	a := tr.snapshot()[0]
	assert.Less(t, len(a.Input), len(long))
	assert.Less(t, len(a.Output), 500)
	assert.Contains(t, a.Output, "truncated")
}
