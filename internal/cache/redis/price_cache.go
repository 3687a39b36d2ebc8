package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per asset at
// "{prefix}:price:{ASSET}" holding the fields "price" (decimal string) and
// "ts" (Unix nanoseconds). An external feeder writes it; chainbot only reads
// except for manual overrides through the API.
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) priceKey(asset string) string {
	return pc.c.key("price", domain.NormalizeAsset(asset))
}

func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// Price returns domain.ErrNotFound when no price was ever written for asset.
func (pc *PriceCache) Price(ctx context.Context, asset string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(asset)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	p, ts, err := decodePrice(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	return p, ts, nil
}

// Prices reads several assets in one pipeline. Assets without a price are
// left out of the result.
func (pc *PriceCache) Prices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	if len(assets) == 0 {
		return out, nil
	}
	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, a := range assets {
		cmds[a] = pipe.HGetAll(ctx, pc.priceKey(a))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}
	for a, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if p, _, err := decodePrice(vals); err == nil {
			out[a] = p
		}
	}
	return out, nil
}

func decodePrice(vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("parse ts %q: %w", tsStr, err)
		}
		ts = time.Unix(0, ns).UTC()
	}
	return price, ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
