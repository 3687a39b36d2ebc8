package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/gateway"
	"github.com/alanyoungcy/chainbot/internal/normalize"
)

type fakeGateway struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     map[string]int
}

func (f *fakeGateway) Call(_ context.Context, call domain.GatewayCall) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[call.Method]++
	if err := f.errs[call.Method]; err != nil {
		return nil, err
	}
	raw, ok := f.responses[call.Method]
	if !ok {
		return nil, errors.New("unexpected method " + call.Method)
	}
	return []byte(raw), nil
}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) Price(_ context.Context, asset string) (decimal.Decimal, time.Time, error) {
	p, ok := s[asset]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func newReader(gw domain.Gateway, prices domain.PriceSource) *Reader {
	return NewReader(gw, gateway.DefaultTable(), normalize.Default(), prices, Config{MaxConcurrent: 4},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTakeMixesKnownAndUnknown(t *testing.T) {
	gw := &fakeGateway{
		responses: map[string]string{
			"getMySolanaBalance": `{"ok":2500000000}`,
			"getICPBalance":      `{"e8s":150000000}`,
		},
		errs: map[string]error{
			"getMyEvmBalance": errors.New("connection reset"),
		},
	}
	r := newReader(gw, staticPrices{"SOL": decimal.NewFromInt(142)})

	snap := r.Take(context.Background(), []domain.Query{
		domain.BalanceQuery(domain.ChainSolana, ""),
		domain.BalanceQuery(domain.ChainICP, "ICP"),
		domain.BalanceQuery(domain.ChainEthereum, ""),
		domain.PriceQuery("SOL"),
		domain.PriceQuery("BONK"),
		domain.BalanceQuery(domain.ChainSolana, ""),
	})

	sol := snap.Get(domain.BalanceQuery(domain.ChainSolana, ""))
	require.True(t, sol.Known)
	assert.Equal(t, "2500000000", sol.Value.String())

	icp := snap.Get(domain.BalanceQuery(domain.ChainICP, "ICP"))
	require.True(t, icp.Known)
	assert.Equal(t, "150000000", icp.Value.String())

	eth := snap.Get(domain.BalanceQuery(domain.ChainEthereum, ""))
	assert.False(t, eth.Known)
	assert.Contains(t, eth.Err, "connection reset")
	assert.True(t, eth.Value.IsZero())

	assert.True(t, snap.Get(domain.PriceQuery("SOL")).Known)
	assert.False(t, snap.Get(domain.PriceQuery("BONK")).Known)

	assert.Len(t, snap.Readings, 5)
	assert.Equal(t, 2, snap.Unknown())
	assert.Equal(t, 1, gw.calls["getMySolanaBalance"])
}

func TestGatewayFailureIsUnknownNotZero(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{
		"getMySuiBalance": `{"err":"rpc unavailable"}`,
	}}
	r := newReader(gw, nil)

	reading := r.Balance(context.Background(), domain.ChainSui, "")
	assert.False(t, reading.Known)
	assert.Contains(t, reading.Err, "rpc unavailable")
}

func TestTokenBalanceUsesTokenRead(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{
		"getMySplTokenBalance": `{"ok":{"amount":"1000000","mint":"EPjF"}}`,
	}}
	r := newReader(gw, nil)

	reading := r.Balance(context.Background(), domain.ChainSolana, "USDC")
	require.True(t, reading.Known)
	assert.Equal(t, "1000000", reading.Value.String())
}

func TestAddressIsCached(t *testing.T) {
	gw := &fakeGateway{responses: map[string]string{
		"getAllAddresses": `{"solana":{"address":"So1ana"},"evm":{"evmAddress":"0xabc"}}`,
	}}
	r := newReader(gw, nil)

	addr, err := r.Address(context.Background(), domain.ChainSolana)
	require.NoError(t, err)
	assert.Equal(t, "So1ana", addr)

	addr, err = r.Address(context.Background(), domain.ChainSolana)
	require.NoError(t, err)
	assert.Equal(t, "So1ana", addr)
	assert.Equal(t, 1, gw.calls["getAllAddresses"])
}

func TestReadRejectsWrites(t *testing.T) {
	r := newReader(&fakeGateway{}, nil)
	_, err := r.Read(context.Background(), domain.OperationRequest{Chain: domain.ChainSolana, Op: domain.OpSend})
	require.Error(t, err)
}

type datedPrices map[string]time.Time

func (d datedPrices) Price(_ context.Context, asset string) (decimal.Decimal, time.Time, error) {
	ts, ok := d[asset]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return decimal.NewFromInt(1850), ts, nil
}

func TestStalePriceIsUnknown(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	prices := datedPrices{
		"ETH":  now.Add(-time.Minute),
		"SOL":  now.Add(-time.Hour),
		"BONK": {},
	}
	r := NewReader(&fakeGateway{}, gateway.DefaultTable(), normalize.Default(), prices,
		Config{MaxPriceAge: 5 * time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return now }

	snap := r.Take(context.Background(), []domain.Query{
		domain.PriceQuery("ETH"),
		domain.PriceQuery("SOL"),
		domain.PriceQuery("BONK"),
	})

	eth := snap.Get(domain.PriceQuery("ETH"))
	require.True(t, eth.Known)
	assert.Equal(t, "1850", eth.Value.String())

	sol := snap.Get(domain.PriceQuery("SOL"))
	assert.False(t, sol.Known)
	assert.Contains(t, sol.Err, "stale")
	assert.True(t, sol.Value.IsZero())

	assert.False(t, snap.Get(domain.PriceQuery("BONK")).Known)

	r.cfg.MaxPriceAge = 0
	assert.True(t, r.Take(context.Background(), []domain.Query{domain.PriceQuery("SOL")}).Get(domain.PriceQuery("SOL")).Known)
}
