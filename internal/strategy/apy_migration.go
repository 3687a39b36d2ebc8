package strategy

import (
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// APYMigration moves a staked position from FromProtocol to ToProtocol when
// the destination yields at least MinAPYDelta more. The unstake output feeds
// the stake.
type APYMigration struct{}

func (APYMigration) Kind() domain.RuleKind { return domain.RuleAPYMigration }

func positionQuery(rule domain.Rule) domain.Query {
	t := rule.Trigger
	return domain.Query{Kind: domain.QueryPosition, Chain: rule.Chain, Protocol: t.FromProtocol, Asset: t.Asset}
}

func (APYMigration) Queries(rule domain.Rule) []domain.Query {
	t := rule.Trigger
	qs := []domain.Query{
		domain.APYQuery(rule.Chain, t.FromProtocol, t.Asset),
		domain.APYQuery(rule.Chain, t.ToProtocol, t.Asset),
	}
	if rule.Size.IsPercent() {
		qs = append(qs, positionQuery(rule))
	}
	return qs
}

func (APYMigration) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, _ time.Time) Decision {
	t := rule.Trigger
	from := snap.Get(domain.APYQuery(rule.Chain, t.FromProtocol, t.Asset))
	to := snap.Get(domain.APYQuery(rule.Chain, t.ToProtocol, t.Asset))
	if !from.Known || !to.Known {
		return Skip("apy unknown")
	}
	delta := to.Value.Sub(from.Value)
	if delta.LessThan(t.MinAPYDelta) {
		return Skip("apy delta %s below %s", delta, t.MinAPYDelta)
	}

	var position domain.Reading
	if rule.Size.IsPercent() {
		position = snap.Get(positionQuery(rule))
	}
	amount, reason, ok := sizeFrom(rule, position)
	if !ok {
		return Skip("%s", reason)
	}
	return Fire(
		domain.PlannedStep{
			Action: string(domain.OpUnstake),
			Request: domain.OperationRequest{
				Chain: rule.Chain,
				Op:    domain.OpUnstake,
				Params: map[string]string{
					domain.ParamProtocol: t.FromProtocol,
					domain.ParamAsset:    t.Asset,
					domain.ParamAmount:   amount.String(),
				},
			},
		},
		domain.PlannedStep{
			Action:     string(domain.OpStake),
			FeedAmount: true,
			Request: domain.OperationRequest{
				Chain: rule.Chain,
				Op:    domain.OpStake,
				Params: map[string]string{
					domain.ParamProtocol: t.ToProtocol,
					domain.ParamAsset:    t.Asset,
				},
			},
		},
	)
}
