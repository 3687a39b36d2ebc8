package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot(readings map[domain.Query]domain.Reading) domain.PositionSnapshot {
	s := domain.PositionSnapshot{TakenAt: now, Readings: make(map[string]domain.Reading)}
	for q, r := range readings {
		s.Readings[q.Key()] = r
	}
	return s
}

func dcaRule() domain.Rule {
	return domain.Rule{
		ID: "dca-1", Kind: domain.RuleDCA, Status: domain.RuleActive, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{
			Asset: "SOL", ToAsset: "USDC",
			Interval: domain.Duration(time.Hour), MaxIntervals: 3, Reserve: d("10000000"),
		},
		Size: domain.Size{Units: d("100000000")},
	}
}

func TestDCAFiresWhenDue(t *testing.T) {
	rule := dcaRule()
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"): domain.KnownReading(d("500000000")),
	})
	dec := DCA{}.Evaluate(rule, snap, now)
	require.True(t, dec.Fire, dec.SkipReason)
	require.Len(t, dec.Steps, 1)
	req := dec.Steps[0].Request
	assert.Equal(t, domain.OpSwap, req.Op)
	assert.Equal(t, "SOL", req.Param(domain.ParamAsset))
	assert.Equal(t, "USDC", req.Param(domain.ParamToAsset))
	assert.Equal(t, "100000000", req.Param(domain.ParamAmount))
}

func TestDCASkipsBelowReserve(t *testing.T) {
	rule := dcaRule()
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"): domain.KnownReading(d("5000000")),
	})
	dec := DCA{}.Evaluate(rule, snap, now)
	assert.False(t, dec.Fire)
	assert.NotEmpty(t, dec.SkipReason)

	snap = snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"): domain.KnownReading(d("105000000")),
	})
	assert.False(t, DCA{}.Evaluate(rule, snap, now).Fire, "amount would eat into the reserve")
}

func TestDCASkipsUnknownBalance(t *testing.T) {
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"): domain.UnknownReading(errors.New("timeout")),
	})
	dec := DCA{}.Evaluate(dcaRule(), snap, now)
	assert.False(t, dec.Fire)
	assert.Contains(t, dec.SkipReason, "timeout")
}

func TestDCAWaitsForInterval(t *testing.T) {
	rule := dcaRule()
	last := now.Add(-30 * time.Minute)
	rule.LastRunAt = &last
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"): domain.KnownReading(d("500000000")),
	})
	assert.False(t, DCA{}.Evaluate(rule, snap, now).Fire)
	assert.True(t, DCA{}.Evaluate(rule, snap, now.Add(30*time.Minute)).Fire)

	rule.ExecutedIntervals = 3
	assert.False(t, DCA{}.Evaluate(rule, snap, now.Add(time.Hour)).Fire)
}

func TestPriceThresholds(t *testing.T) {
	stop := domain.Rule{
		Kind: domain.RuleStopLoss, Chain: domain.ChainEthereum,
		Trigger: domain.Trigger{Asset: "ETH", Price: d("1850")},
		Size:    domain.Size{Percent: d("50")},
	}
	take := stop
	take.Kind = domain.RuleTakeProfit

	at := func(price string) domain.PositionSnapshot {
		return snapshot(map[domain.Query]domain.Reading{
			domain.PriceQuery("ETH"):                         domain.KnownReading(d(price)),
			domain.BalanceQuery(domain.ChainEthereum, "ETH"): domain.KnownReading(d("3000")),
		})
	}

	dec := NewPriceThreshold(domain.RuleStopLoss).Evaluate(stop, at("1800"), now)
	require.True(t, dec.Fire)
	assert.Equal(t, "1500", dec.Steps[0].Request.Param(domain.ParamAmount))
	assert.Equal(t, DefaultQuoteAsset, dec.Steps[0].Request.Param(domain.ParamToAsset))
	assert.True(t, NewPriceThreshold(domain.RuleStopLoss).Evaluate(stop, at("1850"), now).Fire)
	assert.False(t, NewPriceThreshold(domain.RuleStopLoss).Evaluate(stop, at("1900"), now).Fire)

	assert.True(t, NewPriceThreshold(domain.RuleTakeProfit).Evaluate(take, at("1900"), now).Fire)
	assert.False(t, NewPriceThreshold(domain.RuleTakeProfit).Evaluate(take, at("1800"), now).Fire)
}

func TestPriceThresholdSkipsUnknownPrice(t *testing.T) {
	rule := domain.Rule{
		Kind: domain.RuleStopLoss, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{Asset: "SOL", Price: d("100")},
		Size:    domain.Size{Units: d("1")},
	}
	dec := NewPriceThreshold(domain.RuleStopLoss).Evaluate(rule, snapshot(nil), now)
	assert.False(t, dec.Fire)
}

func TestRebalanceSellsOverweightSide(t *testing.T) {
	rule := domain.Rule{
		Kind: domain.RuleRebalance, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{Asset: "SOL", ToAsset: "USDC", TargetWeight: d("0.5"), Band: d("0.05")},
		Size:    domain.Size{Percent: d("100")},
	}
	// 10 SOL at 100 = 1000 USD against 500 USDC: weight 0.667, excess 250 USD.
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.BalanceQuery(domain.ChainSolana, "SOL"):  domain.KnownReading(d("10000000000")),
		domain.BalanceQuery(domain.ChainSolana, "USDC"): domain.KnownReading(d("500")),
		domain.PriceQuery("SOL"):                        domain.KnownReading(d("100")),
		domain.PriceQuery("USDC"):                       domain.KnownReading(d("1")),
	})
	dec := Rebalance{}.Evaluate(rule, snap, now)
	require.True(t, dec.Fire, dec.SkipReason)
	req := dec.Steps[0].Request
	assert.Equal(t, "SOL", req.Param(domain.ParamAsset))
	assert.Equal(t, "2500000000", req.Param(domain.ParamAmount))

	snap.Readings[domain.PriceQuery("SOL").Key()] = domain.KnownReading(d("52"))
	assert.False(t, Rebalance{}.Evaluate(rule, snap, now).Fire)
}

func TestScheduledOneShotAndRepeating(t *testing.T) {
	at := now.Add(time.Hour)
	rule := domain.Rule{
		Kind: domain.RuleScheduled, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{At: &at, To: "Treasury1111"},
		Size:    domain.Size{Units: d("42")},
	}
	assert.False(t, Scheduled{}.Evaluate(rule, snapshot(nil), now).Fire)
	dec := Scheduled{}.Evaluate(rule, snapshot(nil), at)
	require.True(t, dec.Fire)
	assert.Equal(t, domain.OpSend, dec.Steps[0].Request.Op)
	assert.Equal(t, "Treasury1111", dec.Steps[0].Request.Param(domain.ParamTo))

	rule.Trigger.At = nil
	rule.Trigger.Interval = domain.Duration(24 * time.Hour)
	last := now.Add(-time.Hour)
	rule.LastRunAt = &last
	assert.False(t, Scheduled{}.Evaluate(rule, snapshot(nil), now).Fire)
	assert.True(t, Scheduled{}.Evaluate(rule, snapshot(nil), now.Add(23*time.Hour)).Fire)
}

func TestAPYMigrationPlansTwoSteps(t *testing.T) {
	rule := domain.Rule{
		Kind: domain.RuleAPYMigration, Chain: domain.ChainEthereum,
		Trigger: domain.Trigger{Asset: "ETH", FromProtocol: "aave", ToProtocol: "lido", MinAPYDelta: d("1")},
		Size:    domain.Size{Units: d("1000")},
	}
	snap := snapshot(map[domain.Query]domain.Reading{
		domain.APYQuery(domain.ChainEthereum, "aave", "ETH"): domain.KnownReading(d("2.5")),
		domain.APYQuery(domain.ChainEthereum, "lido", "ETH"): domain.KnownReading(d("3.2")),
	})
	assert.False(t, APYMigration{}.Evaluate(rule, snap, now).Fire)

	snap.Readings[domain.APYQuery(domain.ChainEthereum, "lido", "ETH").Key()] = domain.KnownReading(d("3.6"))
	dec := APYMigration{}.Evaluate(rule, snap, now)
	require.True(t, dec.Fire)
	require.Len(t, dec.Steps, 2)
	assert.Equal(t, domain.OpUnstake, dec.Steps[0].Request.Op)
	assert.Equal(t, "aave", dec.Steps[0].Request.Param(domain.ParamProtocol))
	assert.Equal(t, domain.OpStake, dec.Steps[1].Request.Op)
	assert.True(t, dec.Steps[1].FeedAmount)
}

func TestLiquidityProvisionInRange(t *testing.T) {
	rule := domain.Rule{
		Kind: domain.RuleLiquidityProvision, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{Asset: "SOL", ToAsset: "USDC", Protocol: "raydium", PriceLow: d("100"), PriceHigh: d("200")},
		Size:    domain.Size{Units: d("1001")},
	}
	in := snapshot(map[domain.Query]domain.Reading{domain.PriceQuery("SOL"): domain.KnownReading(d("150"))})
	dec := LiquidityProvision{}.Evaluate(rule, in, now)
	require.True(t, dec.Fire)
	assert.Equal(t, "500", dec.Steps[0].Request.Param(domain.ParamAmount))
	assert.Equal(t, domain.OpAddLiquidity, dec.Steps[1].Request.Op)

	out := snapshot(map[domain.Query]domain.Reading{domain.PriceQuery("SOL"): domain.KnownReading(d("250"))})
	assert.False(t, LiquidityProvision{}.Evaluate(rule, out, now).Fire)
}

func TestVolatilityDirectionAndCooldown(t *testing.T) {
	rule := domain.Rule{
		Kind: domain.RuleVolatilityTrigger, Chain: domain.ChainSolana,
		Trigger: domain.Trigger{
			Asset: "SOL", ToAsset: "USDC", ReferencePrice: d("100"), MovePercent: d("10"),
			Interval: domain.Duration(time.Hour),
		},
		Size: domain.Size{Units: d("7")},
	}
	price := func(p string) domain.PositionSnapshot {
		return snapshot(map[domain.Query]domain.Reading{domain.PriceQuery("SOL"): domain.KnownReading(d(p))})
	}

	assert.False(t, Volatility{}.Evaluate(rule, price("105"), now).Fire)

	up := Volatility{}.Evaluate(rule, price("112"), now)
	require.True(t, up.Fire)
	assert.Equal(t, "SOL", up.Steps[0].Request.Param(domain.ParamAsset))

	down := Volatility{}.Evaluate(rule, price("85"), now)
	require.True(t, down.Fire)
	assert.Equal(t, "USDC", down.Steps[0].Request.Param(domain.ParamAsset))

	last := now.Add(-10 * time.Minute)
	rule.LastRunAt = &last
	assert.False(t, Volatility{}.Evaluate(rule, price("85"), now).Fire)
}

func TestRegistryCoversEveryKind(t *testing.T) {
	r := DefaultRegistry()
	for _, k := range []domain.RuleKind{
		domain.RuleDCA, domain.RuleStopLoss, domain.RuleTakeProfit, domain.RuleRebalance,
		domain.RuleScheduled, domain.RuleAPYMigration, domain.RuleLiquidityProvision,
		domain.RuleVolatilityTrigger,
	} {
		e, err := r.Get(k)
		require.NoError(t, err)
		assert.Equal(t, k, e.Kind())
	}
	_, err := r.Get("unknown")
	assert.Error(t, err)
}

func TestRegistryQueriesAreDeduplicated(t *testing.T) {
	a, b := dcaRule(), dcaRule()
	b.ID = "dca-2"
	qs := DefaultRegistry().Queries([]domain.Rule{a, b})
	assert.Len(t, qs, 1)
}
