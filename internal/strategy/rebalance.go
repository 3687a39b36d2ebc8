package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Rebalance keeps the USD weight of Asset within Band of TargetWeight in an
// Asset/ToAsset pair. When drift exceeds the band it swaps the excess side
// back toward the target, capped by the rule size.
type Rebalance struct{}

func (Rebalance) Kind() domain.RuleKind { return domain.RuleRebalance }

func (Rebalance) Queries(rule domain.Rule) []domain.Query {
	t := rule.Trigger
	return []domain.Query{
		domain.BalanceQuery(rule.Chain, t.Asset),
		domain.BalanceQuery(rule.Chain, t.ToAsset),
		domain.PriceQuery(t.Asset),
		domain.PriceQuery(t.ToAsset),
	}
}

func (Rebalance) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) Decision {
	t := rule.Trigger
	if !due(rule, t.Interval.D(), now) {
		return Skip("interval not elapsed")
	}
	balA := snap.Get(domain.BalanceQuery(rule.Chain, t.Asset))
	balB := snap.Get(domain.BalanceQuery(rule.Chain, t.ToAsset))
	priceA := snap.Get(domain.PriceQuery(t.Asset))
	priceB := snap.Get(domain.PriceQuery(t.ToAsset))
	for _, r := range []domain.Reading{balA, balB, priceA, priceB} {
		if !r.Known {
			return Skip("reading unknown: %s", r.Err)
		}
	}
	if !priceA.Value.IsPositive() || !priceB.Value.IsPositive() {
		return Skip("non-positive price")
	}

	valueA := displayUnits(rule.Chain, t.Asset, balA.Value).Mul(priceA.Value)
	valueB := displayUnits(rule.Chain, t.ToAsset, balB.Value).Mul(priceB.Value)
	total := valueA.Add(valueB)
	if !total.IsPositive() {
		return Skip("portfolio is empty")
	}
	drift := valueA.Div(total).Sub(t.TargetWeight)
	if drift.Abs().LessThanOrEqual(t.Band) {
		return Skip("weight within band (drift %s)", drift.StringFixed(4))
	}

	excessUSD := drift.Abs().Mul(total)
	from, to, price, balance := t.Asset, t.ToAsset, priceA, balA
	if drift.IsNegative() {
		from, to, price, balance = t.ToAsset, t.Asset, priceB, balB
	}
	amount := smallestUnits(rule.Chain, from, excessUSD.Div(price.Value))
	if limit, ok := rule.Size.Resolve(balance); ok && amount.GreaterThan(limit) {
		amount = limit
	}
	if !amount.IsPositive() {
		return Skip("rebalance amount rounds to zero")
	}
	return Fire(swapStep(rule.Chain, from, to, amount))
}

// displayUnits converts a native-asset balance from smallest units to whole
// coins. Token balances are taken as reported by the gateway.
func displayUnits(chain domain.Chain, asset string, v decimal.Decimal) decimal.Decimal {
	if isNative(chain, asset) {
		return chain.FromUnits(v)
	}
	return v
}

func smallestUnits(chain domain.Chain, asset string, v decimal.Decimal) decimal.Decimal {
	if isNative(chain, asset) {
		return chain.ToUnits(v)
	}
	return v.Truncate(0)
}

func isNative(chain domain.Chain, asset string) bool {
	return asset == "" || domain.NormalizeAsset(asset) == chain.Symbol()
}
