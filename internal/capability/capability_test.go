package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainForwardsProgressUntilOutcome(t *testing.T) {
	stream := make(chan Progress, 4)
	stream <- Progress{Kind: "output", Message: "editing main.go"}
	stream <- Progress{Kind: "output", Message: "running tests"}
	stream <- Progress{Kind: "done", Outcome: &Outcome{Success: true, Details: "2 files"}}
	close(stream)

	var seen []string
	out, err := Drain(context.Background(), stream, func(p Progress) { seen = append(seen, p.Message) })
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "2 files", out.Details)
	assert.Equal(t, []string{"editing main.go", "running tests"}, seen)
}

func TestDrainWithoutOutcome(t *testing.T) {
	stream := make(chan Progress)
	close(stream)
	_, err := Drain(context.Background(), stream, nil)
	assert.Error(t, err)
}

func TestDrainHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Drain(ctx, make(chan Progress), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnconfiguredCapabilities(t *testing.T) {
	_, err := NoCodeHost{}.CreatePR(context.Background(), PRRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NoAgent{}.Invoke(context.Background(), "p", AgentContext{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
