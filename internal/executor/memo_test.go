package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

func TestMemoLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemo(time.Minute)
	m.now = func() time.Time { return now }

	_, ok, err := m.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	e, ok, err := m.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.MemoInFlight, e.State)

	require.NoError(t, m.Finish(ctx, "k", domain.OperationOutcome{Success: true, PrimaryIdentifier: "tx"}))
	e, ok, _ = m.Reserve(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, domain.MemoDone, e.State)
	assert.Equal(t, "tx", e.Outcome.PrimaryIdentifier)

	now = now.Add(2 * time.Minute)
	m.Cleanup()
	assert.Equal(t, 0, m.Len())
	_, ok, _ = m.Reserve(ctx, "k")
	assert.True(t, ok)
}

func TestMemoFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemo(time.Hour)

	_, ok, _ := m.Reserve(ctx, "k")
	require.True(t, ok)
	require.NoError(t, m.Finish(ctx, "k", domain.OperationOutcome{Success: false}))

	_, ok, _ = m.Reserve(ctx, "k")
	assert.True(t, ok)
}

func TestMemoCleanupKeepsInFlight(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemo(time.Second)
	m.now = func() time.Time { return now }

	_, _, _ = m.Reserve(ctx, "pending")
	now = now.Add(time.Hour)
	m.Cleanup()
	assert.Equal(t, 1, m.Len())
}
