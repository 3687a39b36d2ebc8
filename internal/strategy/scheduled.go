package strategy

import (
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Scheduled sends the native asset to To, once at At or every Interval.
type Scheduled struct{}

func (Scheduled) Kind() domain.RuleKind { return domain.RuleScheduled }

func (Scheduled) Queries(rule domain.Rule) []domain.Query {
	return balanceQueries(rule, "")
}

func (Scheduled) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) Decision {
	t := rule.Trigger
	if t.At != nil && now.Before(*t.At) {
		return Skip("scheduled for %s", t.At.Format(time.RFC3339))
	}
	if t.Interval > 0 && !due(rule, t.Interval.D(), now) {
		return Skip("interval not elapsed")
	}
	amount, reason, ok := sizeFrom(rule, snap.Get(domain.BalanceQuery(rule.Chain, "")))
	if !ok {
		return Skip("%s", reason)
	}
	return Fire(domain.PlannedStep{
		Action: string(domain.OpSend),
		Request: domain.OperationRequest{
			Chain: rule.Chain,
			Op:    domain.OpSend,
			Params: map[string]string{
				domain.ParamTo:     t.To,
				domain.ParamAmount: amount.String(),
			},
		},
	})
}
