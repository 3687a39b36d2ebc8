package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

func TestLockManagerExclusiveAndExpiring(t *testing.T) {
	lm := NewLockManager()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lm.now = func() time.Time { return now }
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "cycle", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "cycle", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	now = now.Add(2 * time.Minute)
	unlock2, err := lm.Acquire(ctx, "cycle", time.Minute)
	require.NoError(t, err)

	// The stale holder must not release the new lease.
	unlock()
	_, err = lm.Acquire(ctx, "cycle", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	unlock2()
	_, err = lm.Acquire(ctx, "cycle", time.Minute)
	assert.NoError(t, err)
}

func TestPriceCacheNormalizesSymbols(t *testing.T) {
	pc := NewPriceCache()
	ctx := context.Background()
	_, _, err := pc.Price(ctx, "SOL")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, pc.SetPrice(ctx, "sol", decimal.NewFromInt(150), time.Now()))
	p, _, err := pc.Price(ctx, "SOL")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(150)))

	prices, err := pc.Prices(ctx, []string{"SOL", "ETH"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "a", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "a", 3, time.Hour)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "b", 3, time.Hour)
	assert.True(t, ok)
}

func TestSignalBusPubSub(t *testing.T) {
	b := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	exact, err := b.Subscribe(ctx, domain.ChannelEvents)
	require.NoError(t, err)
	pattern, err := b.Subscribe(ctx, "chainbot:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.ChannelEvents, []byte("hello")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))

	assert.Equal(t, []byte("hello"), <-exact)
	assert.Equal(t, []byte("hello"), <-pattern)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-exact
		return !open
	}, time.Second, time.Millisecond)
}

func TestSignalBusStream(t *testing.T) {
	b := NewSignalBus()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, domain.StreamEvents, []byte(p)))
	}

	all, err := b.StreamRead(ctx, domain.StreamEvents, "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := b.StreamRead(ctx, domain.StreamEvents, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("b"), rest[0].Payload)
}
