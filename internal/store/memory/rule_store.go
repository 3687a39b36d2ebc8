// Package memory implements the domain stores in process memory. It backs
// tests and single-shot CLI runs; state is lost on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// RuleStore implements domain.RuleStore. Every value handed out is a copy.
type RuleStore struct {
	mu        sync.Mutex
	rules     map[string]domain.Rule
	logs      []domain.ExecutionLog
	seqs      map[string]int
	nextLogID int64
	now       func() time.Time
}

// NewRuleStore creates an empty RuleStore.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		rules: make(map[string]domain.Rule),
		seqs:  make(map[string]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *RuleStore) Add(_ context.Context, rule domain.Rule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return "", fmt.Errorf("memory: add rule %s: %w", rule.ID, domain.ErrAlreadyExists)
	}
	if rule.Status == "" {
		rule.Status = domain.RuleDraft
	}
	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return rule.ID, nil
}

func (s *RuleStore) Get(_ context.Context, id string) (domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *RuleStore) List(_ context.Context, owner string) ([]domain.Rule, error) {
	return s.filter(func(r domain.Rule) bool { return owner == "" || r.Owner == owner }), nil
}

func (s *RuleStore) ListByStatus(_ context.Context, status domain.RuleStatus) ([]domain.Rule, error) {
	return s.filter(func(r domain.Rule) bool { return r.Status == status }), nil
}

func (s *RuleStore) filter(keep func(domain.Rule) bool) []domain.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Rule, 0)
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateStatus moves a rule along the transition table. The check and the
// write happen under one lock, so of two concurrent Active -> Executing
// claims exactly one succeeds. An Executing rule is released by Complete
// only.
func (s *RuleStore) UpdateStatus(_ context.Context, id string, to domain.RuleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := domain.CheckUpdate(r.Status, to); err != nil {
		return fmt.Errorf("memory: rule %s: %w", id, err)
	}
	r.Status = to
	r.UpdatedAt = s.now()
	s.rules[id] = r
	return nil
}

func (s *RuleStore) Complete(_ context.Context, id string, c domain.Completion) (domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	if r.Status != domain.RuleExecuting {
		return domain.Rule{}, fmt.Errorf("memory: complete rule %s: %w: status is %s", id, domain.ErrInvalidTransition, r.Status)
	}
	if err := domain.CheckTransition(r.Status, c.Status); err != nil {
		return domain.Rule{}, fmt.Errorf("memory: complete rule %s: %w", id, err)
	}
	r.Status = c.Status
	if c.CountInterval {
		r.ExecutedIntervals++
	}
	if !c.RanAt.IsZero() {
		ranAt := c.RanAt
		r.LastRunAt = &ranAt
	}
	r.UpdatedAt = s.now()
	s.rules[id] = r
	return r.Clone(), nil
}

func (s *RuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status == domain.RuleExecuting {
		return fmt.Errorf("memory: delete rule %s: %w", id, domain.ErrRuleExecuting)
	}
	delete(s.rules, id)
	return nil
}

func (s *RuleStore) AppendLog(_ context.Context, entry domain.ExecutionLog) (domain.ExecutionLog, error) {
	if entry.RuleID == "" {
		return domain.ExecutionLog{}, fmt.Errorf("memory: append log: rule id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	s.seqs[entry.RuleID]++
	entry.ID = s.nextLogID
	entry.Seq = s.seqs[entry.RuleID]
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = s.now()
	}
	entry.Fields = cloneFields(entry.Fields)
	s.logs = append(s.logs, entry)

	out := entry
	out.Fields = cloneFields(entry.Fields)
	return out, nil
}

// GetLogs returns the logs of owner (all owners when empty), newest first.
func (s *RuleStore) GetLogs(_ context.Context, owner string, opts domain.ListOpts) ([]domain.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.ExecutionLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if owner != "" && l.Owner != owner {
			continue
		}
		if opts.Since != nil && l.ExecutedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !l.ExecutedAt.Before(*opts.Until) {
			continue
		}
		matched = append(matched, l)
	}
	return page(matched, opts), nil
}

func (s *RuleStore) RuleLogs(_ context.Context, ruleID string) ([]domain.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ExecutionLog, 0)
	for _, l := range s.logs {
		if l.RuleID == ruleID {
			l.Fields = cloneFields(l.Fields)
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *RuleStore) ListLogsAfter(_ context.Context, afterID int64, limit int) ([]domain.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ExecutionLog, 0)
	for _, l := range s.logs {
		if l.ID <= afterID {
			continue
		}
		l.Fields = cloneFields(l.Fields)
		out = append(out, l)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func page(logs []domain.ExecutionLog, opts domain.ListOpts) []domain.ExecutionLog {
	if opts.Offset > 0 {
		if opts.Offset >= len(logs) {
			return []domain.ExecutionLog{}
		}
		logs = logs[opts.Offset:]
	}
	if opts.Limit > 0 && len(logs) > opts.Limit {
		logs = logs[:opts.Limit]
	}
	out := make([]domain.ExecutionLog, len(logs))
	for i, l := range logs {
		l.Fields = cloneFields(l.Fields)
		out[i] = l
	}
	return out
}

func cloneFields(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ domain.RuleStore = (*RuleStore)(nil)
