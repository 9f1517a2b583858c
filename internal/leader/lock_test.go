package leader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock_SingleWriterAndFencing(t *testing.T) {
	election := NewMemoryElection()
	a := election.NewMemoryLock("node-a", nil)
	b := election.NewMemoryLock("node-b", nil)
	ctx := context.Background()

	resA, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, resA.Acquired)
	assert.True(t, a.Validate(resA.FencingToken))

	// Second participant loses the election and learns the holder.
	resB, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, resB.Acquired)
	assert.Equal(t, "node-a", resB.CurrentHolder)
	assert.False(t, b.Validate(resA.FencingToken))
}

func TestMemoryLock_FailoverIssuesGreaterToken(t *testing.T) {
	election := NewMemoryElection()

	lost := false
	a := election.NewMemoryLock("node-a", func() { lost = true })
	b := election.NewMemoryLock("node-b", nil)
	ctx := context.Background()

	resA, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, resA.Acquired)

	// Lease expires; node-a learns the loss, node-b wins.
	election.Steal()
	a.NotifyLost()
	assert.True(t, lost, "loss callback fires on lease loss")

	resB, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, resB.Acquired)

	// P8: new token strictly greater, old token invalid everywhere.
	assert.Greater(t, resB.FencingToken, resA.FencingToken)
	assert.False(t, a.Validate(resA.FencingToken))
	assert.True(t, b.Validate(resB.FencingToken))
}

func TestMemoryLock_ReleaseAllowsReacquire(t *testing.T) {
	election := NewMemoryElection()
	a := election.NewMemoryLock("node-a", nil)
	b := election.NewMemoryLock("node-b", nil)
	ctx := context.Background()

	resA, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, resA.Acquired)
	require.NoError(t, a.Release(ctx))
	assert.False(t, a.Validate(resA.FencingToken))

	resB, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, resB.Acquired)
	assert.Greater(t, resB.FencingToken, resA.FencingToken)
}
