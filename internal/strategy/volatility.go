package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Volatility reacts when the Asset price moves at least MovePercent away
// from ReferencePrice: a rise sells Asset into ToAsset, a fall buys Asset
// with ToAsset. Interval is the cooldown between runs.
type Volatility struct{}

func (Volatility) Kind() domain.RuleKind { return domain.RuleVolatilityTrigger }

func (Volatility) Queries(rule domain.Rule) []domain.Query {
	t := rule.Trigger
	qs := []domain.Query{domain.PriceQuery(t.Asset)}
	qs = append(qs, balanceQueries(rule, t.Asset)...)
	return append(qs, balanceQueries(rule, t.ToAsset)...)
}

var hundred = decimal.NewFromInt(100)

func (Volatility) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) Decision {
	t := rule.Trigger
	if !due(rule, t.Interval.D(), now) {
		return Skip("cooling down")
	}
	price := snap.Get(domain.PriceQuery(t.Asset))
	if !price.Known {
		return Skip("price unknown: %s", price.Err)
	}
	move := price.Value.Sub(t.ReferencePrice).Div(t.ReferencePrice).Mul(hundred)
	if move.Abs().LessThan(t.MovePercent) {
		return Skip("move %s%% below %s%%", move.StringFixed(2), t.MovePercent)
	}

	from, to := t.Asset, t.ToAsset
	if move.IsNegative() {
		from, to = t.ToAsset, t.Asset
	}
	amount, reason, ok := sizeFrom(rule, snap.Get(domain.BalanceQuery(rule.Chain, from)))
	if !ok {
		return Skip("%s", reason)
	}
	return Fire(swapStep(rule.Chain, from, to, amount))
}
