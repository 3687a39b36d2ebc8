package strategy

import (
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// DCA swaps a fixed size of Asset into ToAsset every Interval, up to
// MaxIntervals runs. A run that would take the source balance below Reserve
// is skipped, as is a run whose balance cannot be read.
type DCA struct{}

func (DCA) Kind() domain.RuleKind { return domain.RuleDCA }

func (DCA) Queries(rule domain.Rule) []domain.Query {
	return []domain.Query{domain.BalanceQuery(rule.Chain, rule.Trigger.Asset)}
}

func (DCA) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) Decision {
	t := rule.Trigger
	if t.MaxIntervals > 0 && rule.ExecutedIntervals >= t.MaxIntervals {
		return Skip("max intervals reached")
	}
	if !due(rule, t.Interval.D(), now) {
		return Skip("interval not elapsed")
	}
	balance := snap.Get(domain.BalanceQuery(rule.Chain, t.Asset))
	if !balance.Known {
		return Skip("balance unknown: %s", balance.Err)
	}
	amount, reason, ok := sizeFrom(rule, balance)
	if !ok {
		return Skip("%s", reason)
	}
	if balance.Value.Sub(amount).LessThan(t.Reserve) {
		return Skip("balance %s below reserve %s plus amount %s", balance.Value, t.Reserve, amount)
	}
	return Fire(swapStep(rule.Chain, t.Asset, t.ToAsset, amount))
}
