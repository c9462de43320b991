package agentcli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergeline/internal/capability"
)

func TestInvokeStreamsOutputAndSucceeds(t *testing.T) {
	a := New("sh", []string{"-c", `read line; echo "got: $line"; echo "branch: $MERGELINE_BRANCH"`}, nil)
	stream, err := a.Invoke(context.Background(), "fix the tests\n", capability.AgentContext{Branch: "issue/42", Workspace: t.TempDir()})
	require.NoError(t, err)

	var lines []string
	out, err := capability.Drain(context.Background(), stream, func(p capability.Progress) { lines = append(lines, p.Message) })
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"got: fix the tests", "branch: issue/42"}, lines)
}

func TestInvokeReportsFailure(t *testing.T) {
	a := New("sh", []string{"-c", "echo working; echo 'tests still red' >&2; exit 3"}, nil)
	stream, err := a.Invoke(context.Background(), "", capability.AgentContext{})
	require.NoError(t, err)

	out, err := capability.Drain(context.Background(), stream, nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Details, "exit 3")
	assert.Contains(t, out.Details, "tests still red")
}

func TestInvokeCancelled(t *testing.T) {
	a := New("sh", []string{"-c", "sleep 5"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stream, err := a.Invoke(ctx, "", capability.AgentContext{})
	require.NoError(t, err)

	_, err = capability.Drain(ctx, stream, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeUnconfigured(t *testing.T) {
	_, err := New("", nil, nil).Invoke(context.Background(), "", capability.AgentContext{})
	assert.ErrorIs(t, err, capability.ErrNotConfigured)
}
