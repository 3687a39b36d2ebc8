// Package executor issues gateway operations on behalf of rules and invoices.
// It enforces idempotency for writes and holds no durable state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/gateway"
	"github.com/alanyoungcy/chainbot/internal/normalize"
	"github.com/alanyoungcy/chainbot/internal/telemetry"
)

// DefaultWriteCost is the gateway charge per write in USD.
var DefaultWriteCost = decimal.RequireFromString("0.05")

// Config tunes the dispatcher.
type Config struct {
	// WritesPerSecond throttles writes; zero disables throttling.
	WritesPerSecond float64
	WriteBurst      int
	WriteCostUSD    decimal.Decimal
	CallTimeout     time.Duration
}

// Dispatcher resolves, issues and normalizes gateway operations.
type Dispatcher struct {
	gw      domain.Gateway
	table   *gateway.Table
	norm    *normalize.Normalizer
	memo    domain.OutcomeMemo
	limiter *rate.Limiter
	cost    decimal.Decimal
	timeout time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(
	gw domain.Gateway,
	table *gateway.Table,
	norm *normalize.Normalizer,
	memo domain.OutcomeMemo,
	cfg Config,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.WritesPerSecond > 0 {
		burst := cfg.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), burst)
	}
	cost := cfg.WriteCostUSD
	if cost.IsZero() {
		cost = DefaultWriteCost
	}
	return &Dispatcher{
		gw:      gw,
		table:   table,
		norm:    norm,
		memo:    memo,
		limiter: limiter,
		cost:    cost,
		timeout: cfg.CallTimeout,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch performs one operation. Gateway failures, timeouts and malformed
// responses come back as unsuccessful outcomes. An error is returned only
// when the request cannot be issued: unmapped pair, bad arguments, missing
// idempotency key, or a key that is already in flight.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.OperationRequest) (domain.OperationOutcome, error) {
	call, err := d.table.Resolve(req)
	if err != nil {
		return domain.OperationOutcome{}, err
	}
	if _, err := d.norm.Lookup(req.Chain, req.Op); err != nil {
		return domain.OperationOutcome{}, err
	}

	if !req.Op.IsWrite() {
		return d.issue(ctx, req, call), nil
	}

	if req.IdempotencyKey == "" {
		return domain.OperationOutcome{}, fmt.Errorf("%w: %s/%s", domain.ErrMissingIdempotency, req.Chain, req.Op)
	}
	entry, reserved, err := d.memo.Reserve(ctx, req.IdempotencyKey)
	if err != nil {
		return domain.OperationOutcome{}, fmt.Errorf("executor: reserve %s: %w", req.IdempotencyKey, err)
	}
	if !reserved {
		if entry.State == domain.MemoInFlight {
			return domain.OperationOutcome{}, fmt.Errorf("%w: %s", domain.ErrOperationInFlight, req.IdempotencyKey)
		}
		out := entry.Outcome
		out.Replayed = true
		d.metrics.RecordReplay(ctx, string(req.Chain), string(req.Op))
		d.logger.Info("replayed write from memo",
			slog.String("key", req.IdempotencyKey),
			slog.String("id", out.PrimaryIdentifier),
		)
		return out, nil
	}

	var out domain.OperationOutcome
	if err := d.limiter.Wait(ctx); err != nil {
		out = domain.FailedOutcome(req.Chain, req.Op, fmt.Sprintf("write throttle: %v", err))
	} else {
		out = d.issue(ctx, req, call)
	}
	out = d.charge(out)

	// The key is released or recorded even when ctx is done.
	if err := d.memo.Finish(context.WithoutCancel(ctx), req.IdempotencyKey, out); err != nil {
		d.logger.Error("memo finish failed",
			slog.String("key", req.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}
	return out, nil
}

func (d *Dispatcher) issue(ctx context.Context, req domain.OperationRequest, call domain.GatewayCall) domain.OperationOutcome {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := d.gw.Call(ctx, call)
	took := time.Since(start)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "gateway timeout: " + msg
		}
		d.logger.Warn("gateway call failed",
			slog.String("chain", string(req.Chain)),
			slog.String("op", string(req.Op)),
			slog.String("method", call.Method),
			slog.String("error", msg),
		)
		d.metrics.RecordDispatch(ctx, string(req.Chain), string(req.Op), false, took)
		return domain.FailedOutcome(req.Chain, req.Op, msg)
	}

	out, err := d.norm.Normalize(req.Chain, req.Op, raw)
	if err != nil {
		d.logger.Error("unreadable gateway response",
			slog.String("chain", string(req.Chain)),
			slog.String("op", string(req.Op)),
			slog.String("error", err.Error()),
		)
		out = domain.FailedOutcome(req.Chain, req.Op, err.Error())
		out.RawFields = map[string]string{"raw": string(raw)}
	}
	d.metrics.RecordDispatch(ctx, string(req.Chain), string(req.Op), out.Success, took)
	return out
}

func (d *Dispatcher) charge(out domain.OperationOutcome) domain.OperationOutcome {
	fields := make(map[string]string, len(out.RawFields)+1)
	for k, v := range out.RawFields {
		fields[k] = v
	}
	fields[domain.FieldCostUSD] = d.cost.String()
	out.RawFields = fields
	return out
}
