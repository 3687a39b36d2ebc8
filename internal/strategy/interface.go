// Package strategy decides, per rule kind, whether an Active rule fires in
// the current cycle and which operations it performs. Evaluators are pure:
// they read a snapshot and return a plan; the scheduler dispatches it.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Evaluator is the per-kind trigger logic of a rule.
type Evaluator interface {
	Kind() domain.RuleKind
	// Queries lists the reads the rule needs from the cycle snapshot.
	Queries(rule domain.Rule) []domain.Query
	// Evaluate decides against snap whether the rule fires at now.
	Evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) Decision
}

// Decision is the result of evaluating one rule. A rule that does not fire
// carries a SkipReason and is left untouched in the store.
type Decision struct {
	Fire       bool
	SkipReason string
	Steps      []domain.PlannedStep
}

// Skip returns a non-firing decision.
func Skip(format string, args ...any) Decision {
	return Decision{SkipReason: fmt.Sprintf(format, args...)}
}

// Fire returns a firing decision with the given steps.
func Fire(steps ...domain.PlannedStep) Decision {
	return Decision{Fire: true, Steps: steps}
}

// DefaultQuoteAsset is sold into or bought from when a rule names no
// counter asset.
const DefaultQuoteAsset = "USDC"

func quoteAsset(t domain.Trigger) string {
	if t.ToAsset != "" {
		return t.ToAsset
	}
	return DefaultQuoteAsset
}

// due reports whether interval has elapsed since the rule last ran. A rule
// that never ran is due.
func due(rule domain.Rule, interval time.Duration, now time.Time) bool {
	if rule.LastRunAt == nil || interval <= 0 {
		return true
	}
	return !now.Before(rule.LastRunAt.Add(interval))
}

func swapStep(chain domain.Chain, from, to string, amount decimal.Decimal) domain.PlannedStep {
	return domain.PlannedStep{
		Action: string(domain.OpSwap),
		Request: domain.OperationRequest{
			Chain: chain,
			Op:    domain.OpSwap,
			Params: map[string]string{
				domain.ParamAsset:   from,
				domain.ParamToAsset: to,
				domain.ParamAmount:  amount.String(),
			},
		},
	}
}

// sizeFrom resolves the rule size against a balance reading. ok is false
// with a reason when the amount cannot be determined or is zero.
func sizeFrom(rule domain.Rule, balance domain.Reading) (decimal.Decimal, string, bool) {
	if rule.Size.IsPercent() && !balance.Known {
		return decimal.Zero, "balance unknown: " + balance.Err, false
	}
	amt, ok := rule.Size.Resolve(balance)
	if !ok {
		return decimal.Zero, "resolved amount is zero", false
	}
	if balance.Known && amt.GreaterThan(balance.Value) {
		return decimal.Zero, fmt.Sprintf("balance %s below amount %s", balance.Value, amt), false
	}
	return amt, "", true
}

// balanceQueries returns the balance query of asset only when the size is a
// percentage and thus needs it.
func balanceQueries(rule domain.Rule, asset string) []domain.Query {
	if !rule.Size.IsPercent() {
		return nil
	}
	return []domain.Query{domain.BalanceQuery(rule.Chain, asset)}
}
