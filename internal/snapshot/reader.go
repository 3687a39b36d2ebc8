// Package snapshot gathers the chain and market readings an evaluation cycle
// needs into one domain.PositionSnapshot.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/gateway"
	"github.com/alanyoungcy/chainbot/internal/normalize"
)

// Config bounds the reader.
type Config struct {
	MaxConcurrent int
	ReadTimeout   time.Duration
	// MaxPriceAge turns older cached prices into unknown readings. Zero
	// accepts any age.
	MaxPriceAge time.Duration
}

// Reader performs gateway reads and price lookups. Failed reads become
// unknown readings; Take never fails as a whole.
type Reader struct {
	gw     domain.Gateway
	table  *gateway.Table
	norm   *normalize.Normalizer
	prices domain.PriceSource
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	addresses map[domain.Chain]string
}

// NewReader creates a Reader. prices may be nil, in which case every price
// query is unknown.
func NewReader(gw domain.Gateway, table *gateway.Table, norm *normalize.Normalizer, prices domain.PriceSource, cfg Config, logger *slog.Logger) *Reader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Reader{
		gw:        gw,
		table:     table,
		norm:      norm,
		prices:    prices,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "snapshot")),
		now:       func() time.Time { return time.Now().UTC() },
		addresses: make(map[domain.Chain]string),
	}
}

// Take reads every distinct query concurrently and returns the snapshot.
func (r *Reader) Take(ctx context.Context, queries []domain.Query) domain.PositionSnapshot {
	snap := domain.PositionSnapshot{
		TakenAt:  r.now(),
		Readings: make(map[string]domain.Reading, len(queries)),
	}

	seen := make(map[string]bool, len(queries))
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(r.cfg.MaxConcurrent)
	for _, q := range queries {
		key := q.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		q := q
		p.Go(func() {
			reading := r.read(ctx, q)
			if !reading.Known {
				r.logger.Debug("unknown reading",
					slog.String("query", key),
					slog.String("error", reading.Err),
				)
			}
			mu.Lock()
			snap.Readings[key] = reading
			mu.Unlock()
		})
	}
	p.Wait()
	return snap
}

// Balance reads the balance of asset on chain. An empty asset or the chain's
// native symbol reads the native balance.
func (r *Reader) Balance(ctx context.Context, chain domain.Chain, asset string) domain.Reading {
	return r.read(ctx, domain.BalanceQuery(chain, asset))
}

// Address returns the bot's own address on chain. Addresses are cached after
// the first successful lookup.
func (r *Reader) Address(ctx context.Context, chain domain.Chain) (string, error) {
	r.mu.RLock()
	addr, ok := r.addresses[chain]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}

	out, err := r.Read(ctx, domain.OperationRequest{Chain: chain, Op: domain.OpAddress})
	if err != nil {
		return "", fmt.Errorf("snapshot: address on %s: %w", chain, err)
	}
	if !out.Success {
		return "", fmt.Errorf("snapshot: address on %s: %s", chain, out.Message)
	}

	r.mu.Lock()
	r.addresses[chain] = out.PrimaryIdentifier
	r.mu.Unlock()
	return out.PrimaryIdentifier, nil
}

// Read performs one read operation and normalizes the response.
func (r *Reader) Read(ctx context.Context, req domain.OperationRequest) (domain.OperationOutcome, error) {
	if req.Op.IsWrite() {
		return domain.OperationOutcome{}, fmt.Errorf("snapshot: %s is not a read", req.Op)
	}
	call, err := r.table.Resolve(req)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	if r.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ReadTimeout)
		defer cancel()
	}
	raw, err := r.gw.Call(ctx, call)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	return r.norm.Normalize(req.Chain, req.Op, raw)
}

func (r *Reader) read(ctx context.Context, q domain.Query) domain.Reading {
	if q.Kind == domain.QueryPrice {
		return r.price(ctx, q.Asset)
	}

	req, err := request(q)
	if err != nil {
		return domain.UnknownReading(err)
	}
	out, err := r.Read(ctx, req)
	if err != nil {
		return domain.UnknownReading(err)
	}
	if !out.Success {
		return domain.UnknownReading(fmt.Errorf("gateway: %s", out.Message))
	}
	v, ok := out.Value()
	if !ok {
		return domain.UnknownReading(fmt.Errorf("%w: no value for %s", domain.ErrMalformedResponse, q.Key()))
	}
	return domain.KnownReading(v)
}

func (r *Reader) price(ctx context.Context, asset string) domain.Reading {
	if r.prices == nil {
		return domain.UnknownReading(fmt.Errorf("no price source"))
	}
	p, ts, err := r.prices.Price(ctx, asset)
	if err != nil {
		return domain.UnknownReading(err)
	}
	if r.cfg.MaxPriceAge > 0 {
		if age := r.now().Sub(ts); ts.IsZero() || age > r.cfg.MaxPriceAge {
			return domain.UnknownReading(fmt.Errorf("price of %s is stale: updated %s", asset, ts.Format(time.RFC3339)))
		}
	}
	return domain.KnownReading(p)
}

func request(q domain.Query) (domain.OperationRequest, error) {
	switch q.Kind {
	case domain.QueryBalance:
		if q.Asset == "" || strings.EqualFold(q.Asset, q.Chain.Symbol()) {
			return domain.OperationRequest{Chain: q.Chain, Op: domain.OpBalance}, nil
		}
		return domain.OperationRequest{
			Chain:  q.Chain,
			Op:     domain.OpTokenBalance,
			Params: map[string]string{domain.ParamAsset: q.Asset},
		}, nil
	case domain.QueryPosition, domain.QueryAPY:
		op := domain.OpPosition
		if q.Kind == domain.QueryAPY {
			op = domain.OpAPY
		}
		return domain.OperationRequest{
			Chain: q.Chain,
			Op:    op,
			Params: map[string]string{
				domain.ParamProtocol: q.Protocol,
				domain.ParamAsset:    q.Asset,
			},
		}, nil
	default:
		return domain.OperationRequest{}, fmt.Errorf("unknown query kind %q", q.Kind)
	}
}
