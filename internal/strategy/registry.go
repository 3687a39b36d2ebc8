package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// Registry maps rule kinds to evaluators. It is safe for concurrent use.
type Registry struct {
	evaluators map[domain.RuleKind]Evaluator
	mu         sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[domain.RuleKind]Evaluator)}
}

// DefaultRegistry returns a Registry with an evaluator for every rule kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, e := range []Evaluator{
		DCA{},
		PriceThreshold{kind: domain.RuleStopLoss},
		PriceThreshold{kind: domain.RuleTakeProfit},
		Rebalance{},
		Scheduled{},
		APYMigration{},
		LiquidityProvision{},
		Volatility{},
	} {
		r.Register(e)
	}
	return r
}

// Register adds e under its kind, replacing any previous evaluator.
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[e.Kind()] = e
}

// Get returns the evaluator for kind.
func (r *Registry) Get(kind domain.RuleKind) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[kind]
	if !ok {
		return nil, fmt.Errorf("strategy: no evaluator for kind %q", kind)
	}
	return e, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []domain.RuleKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]domain.RuleKind, 0, len(r.evaluators))
	for k := range r.evaluators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Queries collects the deduplicated reads of every rule with a registered
// evaluator.
func (r *Registry) Queries(rules []domain.Rule) []domain.Query {
	seen := make(map[string]bool)
	var out []domain.Query
	for _, rule := range rules {
		e, err := r.Get(rule.Kind)
		if err != nil {
			continue
		}
		for _, q := range e.Queries(rule) {
			if !seen[q.Key()] {
				seen[q.Key()] = true
				out = append(out, q)
			}
		}
	}
	return out
}
