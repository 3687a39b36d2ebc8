package strategy

import (
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// PriceThreshold implements StopLoss (fires when price <= Price) and
// TakeProfit (fires when price >= Price). Both sell Asset into ToAsset, or
// into DefaultQuoteAsset when none is set.
type PriceThreshold struct {
	kind domain.RuleKind
}

// NewPriceThreshold returns the evaluator for RuleStopLoss or RuleTakeProfit.
func NewPriceThreshold(kind domain.RuleKind) PriceThreshold {
	return PriceThreshold{kind: kind}
}

func (p PriceThreshold) Kind() domain.RuleKind { return p.kind }

func (p PriceThreshold) Queries(rule domain.Rule) []domain.Query {
	qs := []domain.Query{domain.PriceQuery(rule.Trigger.Asset)}
	return append(qs, balanceQueries(rule, rule.Trigger.Asset)...)
}

func (p PriceThreshold) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, _ time.Time) Decision {
	t := rule.Trigger
	price := snap.Get(domain.PriceQuery(t.Asset))
	if !price.Known {
		return Skip("price unknown: %s", price.Err)
	}
	crossed := price.Value.LessThanOrEqual(t.Price)
	if p.kind == domain.RuleTakeProfit {
		crossed = price.Value.GreaterThanOrEqual(t.Price)
	}
	if !crossed {
		return Skip("price %s has not crossed %s", price.Value, t.Price)
	}
	amount, reason, ok := sizeFrom(rule, snap.Get(domain.BalanceQuery(rule.Chain, t.Asset)))
	if !ok {
		return Skip("%s", reason)
	}
	return Fire(swapStep(rule.Chain, t.Asset, quoteAsset(t), amount))
}
