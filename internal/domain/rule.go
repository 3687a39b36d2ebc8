package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RuleKind selects the evaluation and execution logic of a rule.
type RuleKind string

const (
	RuleDCA                RuleKind = "dca"
	RuleStopLoss           RuleKind = "stop_loss"
	RuleTakeProfit         RuleKind = "take_profit"
	RuleRebalance          RuleKind = "rebalance"
	RuleScheduled          RuleKind = "scheduled"
	RuleAPYMigration       RuleKind = "apy_migration"
	RuleLiquidityProvision RuleKind = "liquidity_provision"
	RuleVolatilityTrigger  RuleKind = "volatility_trigger"
)

var ruleKinds = map[RuleKind]bool{
	RuleDCA: true, RuleStopLoss: true, RuleTakeProfit: true, RuleRebalance: true,
	RuleScheduled: true, RuleAPYMigration: true, RuleLiquidityProvision: true,
	RuleVolatilityTrigger: true,
}

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool { return ruleKinds[k] }

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	RuleDraft     RuleStatus = "draft"
	RuleConfirmed RuleStatus = "confirmed"
	RuleReady     RuleStatus = "ready"
	RuleActive    RuleStatus = "active"
	RulePaused    RuleStatus = "paused"
	RuleExecuting RuleStatus = "executing"
	RuleExecuted  RuleStatus = "executed"
	RuleFailed    RuleStatus = "failed"
	RuleCancelled RuleStatus = "cancelled"
)

var ruleTransitions = map[RuleStatus][]RuleStatus{
	RuleDraft:     {RuleConfirmed, RuleCancelled},
	RuleConfirmed: {RuleReady, RuleActive, RuleCancelled},
	RuleReady:     {RuleActive, RuleCancelled},
	RuleActive:    {RuleExecuting, RulePaused, RuleCancelled},
	RulePaused:    {RuleActive, RuleCancelled},
	RuleExecuting: {RuleActive, RulePaused, RuleFailed, RuleExecuted},
	RuleFailed:    {RuleActive, RuleCancelled},
	RuleExecuted:  nil,
	RuleCancelled: nil,
}

// Valid reports whether s is a known status.
func (s RuleStatus) Valid() bool {
	_, ok := ruleTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s RuleStatus) Terminal() bool {
	return s.Valid() && len(ruleTransitions[s]) == 0
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to RuleStatus) bool {
	for _, next := range ruleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with context when
// from -> to is not allowed.
func CheckTransition(from, to RuleStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CheckUpdate is CheckTransition for explicit status changes. A rule leaves
// Executing only through completion or restart recovery, so any update
// from Executing fails with ErrRuleExecuting.
func CheckUpdate(from, to RuleStatus) error {
	if from == RuleExecuting {
		return fmt.Errorf("%w: %w: %s -> %s", ErrRuleExecuting, ErrInvalidTransition, from, to)
	}
	return CheckTransition(from, to)
}

// FailurePolicy decides where a repeating rule goes after a failed dispatch.
type FailurePolicy string

const (
	FailureRetry FailurePolicy = "retry"
	FailurePause FailurePolicy = "pause"
	FailureFail  FailurePolicy = "fail"
)

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Trigger holds the kind-specific condition of a rule. Only the fields
// relevant to the rule's kind are set.
type Trigger struct {
	Asset          string          `json:"asset,omitempty"`
	ToAsset        string          `json:"to_asset,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	FromProtocol   string          `json:"from_protocol,omitempty"`
	ToProtocol     string          `json:"to_protocol,omitempty"`
	To             string          `json:"to,omitempty"`
	Price          decimal.Decimal `json:"price"`
	PriceLow       decimal.Decimal `json:"price_low"`
	PriceHigh      decimal.Decimal `json:"price_high"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	MovePercent    decimal.Decimal `json:"move_percent"`
	TargetWeight   decimal.Decimal `json:"target_weight"`
	Band           decimal.Decimal `json:"band"`
	MinAPYDelta    decimal.Decimal `json:"min_apy_delta"`
	Reserve        decimal.Decimal `json:"reserve"`
	Interval       Duration        `json:"interval,omitempty"`
	At             *time.Time      `json:"at,omitempty"`
	MaxIntervals   int             `json:"max_intervals,omitempty"`
}

// Size is how much a rule acts on: either a fixed amount in smallest units
// or a percentage (0, 100] of the source balance.
type Size struct {
	Units   decimal.Decimal `json:"units"`
	Percent decimal.Decimal `json:"percent"`
}

// IsPercent reports whether the size is relative to a balance.
func (s Size) IsPercent() bool { return s.Percent.IsPositive() }

// Resolve returns the absolute amount for the given balance. Percent sizes
// need a known balance; fixed sizes ignore it.
func (s Size) Resolve(balance Reading) (decimal.Decimal, bool) {
	if !s.IsPercent() {
		return s.Units, s.Units.IsPositive()
	}
	if !balance.Known {
		return decimal.Zero, false
	}
	amt := balance.Value.Mul(s.Percent).Div(decimal.NewFromInt(100)).Truncate(0)
	return amt, amt.IsPositive()
}

// Rule is a persisted declarative automation instruction.
type Rule struct {
	ID                string        `json:"id"`
	Owner             string        `json:"owner"`
	Kind              RuleKind      `json:"kind"`
	Status            RuleStatus    `json:"status"`
	Chain             Chain         `json:"chain"`
	Trigger           Trigger       `json:"trigger"`
	Size              Size          `json:"size"`
	FailurePolicy     FailurePolicy `json:"failure_policy,omitempty"`
	ExecutedIntervals int           `json:"executed_intervals"`
	LastRunAt         *time.Time    `json:"last_run_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// OneShot reports whether the rule finishes after one successful execution.
func (r Rule) OneShot() bool {
	switch r.Kind {
	case RuleStopLoss, RuleTakeProfit, RuleAPYMigration, RuleLiquidityProvision:
		return true
	case RuleScheduled:
		return r.Trigger.Interval <= 0
	default:
		return false
	}
}

// StatusAfterFailure returns the status a rule moves to after a failed run.
func (r Rule) StatusAfterFailure() RuleStatus {
	if r.OneShot() {
		return RuleFailed
	}
	switch r.FailurePolicy {
	case FailurePause:
		return RulePaused
	case FailureFail:
		return RuleFailed
	default:
		return RuleActive
	}
}

// StatusAfterSuccess returns the status after a successful run, counting the
// run for DCA rules.
func (r Rule) StatusAfterSuccess() RuleStatus {
	if r.OneShot() {
		return RuleExecuted
	}
	if r.Kind == RuleDCA && r.Trigger.MaxIntervals > 0 && r.ExecutedIntervals+1 >= r.Trigger.MaxIntervals {
		return RuleExecuted
	}
	return RuleActive
}

// Validate checks kind-specific required fields.
func (r Rule) Validate() error {
	var errs []string
	if !r.Kind.Valid() {
		errs = append(errs, fmt.Sprintf("unknown kind %q", r.Kind))
	}
	if !r.Chain.Valid() {
		errs = append(errs, fmt.Sprintf("unsupported chain %q", r.Chain))
	}
	if r.Status != "" && !r.Status.Valid() {
		errs = append(errs, fmt.Sprintf("unknown status %q", r.Status))
	}
	switch r.FailurePolicy {
	case "", FailureRetry, FailurePause, FailureFail:
	default:
		errs = append(errs, fmt.Sprintf("unknown failure policy %q", r.FailurePolicy))
	}
	if r.Size.Units.IsNegative() || r.Size.Percent.IsNegative() {
		errs = append(errs, "size must not be negative")
	}
	if r.Size.Percent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, "size percent must be <= 100")
	}
	if !r.Size.Units.IsPositive() && !r.Size.Percent.IsPositive() {
		errs = append(errs, "size must set units or percent")
	}

	t := r.Trigger
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}
	switch r.Kind {
	case RuleDCA:
		need(t.Asset != "" && t.ToAsset != "", "dca: asset and to_asset are required")
		need(t.Interval > 0, "dca: interval must be > 0")
		need(t.MaxIntervals >= 0, "dca: max_intervals must be >= 0")
		need(!t.Reserve.IsNegative(), "dca: reserve must be >= 0")
	case RuleStopLoss, RuleTakeProfit:
		need(t.Asset != "", string(r.Kind)+": asset is required")
		need(t.Price.IsPositive(), string(r.Kind)+": price must be > 0")
	case RuleRebalance:
		need(t.Asset != "" && t.ToAsset != "", "rebalance: asset and to_asset are required")
		need(t.TargetWeight.IsPositive() && t.TargetWeight.LessThan(decimal.NewFromInt(1)), "rebalance: target_weight must be in (0, 1)")
		need(t.Band.IsPositive(), "rebalance: band must be > 0")
	case RuleScheduled:
		need(t.At != nil || t.Interval > 0, "scheduled: at or interval is required")
		need(t.To != "", "scheduled: to is required")
		if t.To != "" && r.Chain.Valid() {
			if err := ValidateAddress(r.Chain, t.To); err != nil {
				errs = append(errs, "scheduled: "+err.Error())
			}
		}
	case RuleAPYMigration:
		need(t.Asset != "", "apy_migration: asset is required")
		need(t.FromProtocol != "" && t.ToProtocol != "", "apy_migration: from_protocol and to_protocol are required")
		need(t.FromProtocol != t.ToProtocol, "apy_migration: protocols must differ")
		need(t.MinAPYDelta.IsPositive(), "apy_migration: min_apy_delta must be > 0")
	case RuleLiquidityProvision:
		need(t.Asset != "" && t.ToAsset != "" && t.Protocol != "", "liquidity_provision: asset, to_asset and protocol are required")
		need(t.PriceLow.IsPositive() && t.PriceHigh.GreaterThan(t.PriceLow), "liquidity_provision: price range is invalid")
	case RuleVolatilityTrigger:
		need(t.Asset != "" && t.ToAsset != "", "volatility_trigger: asset and to_asset are required")
		need(t.ReferencePrice.IsPositive(), "volatility_trigger: reference_price must be > 0")
		need(t.MovePercent.IsPositive(), "volatility_trigger: move_percent must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(errs, "; "))
	}
	return nil
}

// Completion describes how an executing rule finishes.
type Completion struct {
	Status        RuleStatus
	RanAt         time.Time
	CountInterval bool
}

// Clone returns a deep copy safe to hand to callers.
func (r Rule) Clone() Rule {
	out := r
	if r.LastRunAt != nil {
		t := *r.LastRunAt
		out.LastRunAt = &t
	}
	if r.Trigger.At != nil {
		t := *r.Trigger.At
		out.Trigger.At = &t
	}
	return out
}
