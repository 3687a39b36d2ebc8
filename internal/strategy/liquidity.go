package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// LiquidityProvision enters an Asset/ToAsset pool on Protocol while the
// Asset price sits inside [PriceLow, PriceHigh]: half the size is swapped
// into ToAsset and the swap output is added as liquidity.
type LiquidityProvision struct{}

func (LiquidityProvision) Kind() domain.RuleKind { return domain.RuleLiquidityProvision }

func (LiquidityProvision) Queries(rule domain.Rule) []domain.Query {
	qs := []domain.Query{domain.PriceQuery(rule.Trigger.Asset)}
	return append(qs, balanceQueries(rule, rule.Trigger.Asset)...)
}

func (LiquidityProvision) Evaluate(rule domain.Rule, snap domain.PositionSnapshot, _ time.Time) Decision {
	t := rule.Trigger
	price := snap.Get(domain.PriceQuery(t.Asset))
	if !price.Known {
		return Skip("price unknown: %s", price.Err)
	}
	if price.Value.LessThan(t.PriceLow) || price.Value.GreaterThan(t.PriceHigh) {
		return Skip("price %s outside [%s, %s]", price.Value, t.PriceLow, t.PriceHigh)
	}
	amount, reason, ok := sizeFrom(rule, snap.Get(domain.BalanceQuery(rule.Chain, t.Asset)))
	if !ok {
		return Skip("%s", reason)
	}
	half := amount.Div(decimal.NewFromInt(2)).Truncate(0)
	if !half.IsPositive() {
		return Skip("amount %s too small to split", amount)
	}
	return Fire(
		swapStep(rule.Chain, t.Asset, t.ToAsset, half),
		domain.PlannedStep{
			Action:     string(domain.OpAddLiquidity),
			FeedAmount: true,
			Request: domain.OperationRequest{
				Chain: rule.Chain,
				Op:    domain.OpAddLiquidity,
				Params: map[string]string{
					domain.ParamAsset:    t.Asset,
					domain.ParamToAsset:  t.ToAsset,
					domain.ParamProtocol: t.Protocol,
				},
			},
		},
	)
}
