package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

type quote struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]quote)}
}

func (pc *PriceCache) SetPrice(_ context.Context, asset string, price decimal.Decimal, ts time.Time) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.quotes[domain.NormalizeAsset(asset)] = quote{price: price, ts: ts}
	return nil
}

func (pc *PriceCache) Price(_ context.Context, asset string) (decimal.Decimal, time.Time, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	q, ok := pc.quotes[domain.NormalizeAsset(asset)]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return q.price, q.ts, nil
}

// Prices returns the known prices among assets.
func (pc *PriceCache) Prices(_ context.Context, assets []string) (map[string]decimal.Decimal, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(assets))
	for _, a := range assets {
		if q, ok := pc.quotes[domain.NormalizeAsset(a)]; ok {
			out[a] = q.price
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
