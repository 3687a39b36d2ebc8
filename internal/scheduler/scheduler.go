// Package scheduler runs evaluation cycles over the Active rules: one
// snapshot per cycle, per-kind evaluation, claim, dispatch, log, complete.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/executor"
	"github.com/alanyoungcy/chainbot/internal/notify"
	"github.com/alanyoungcy/chainbot/internal/strategy"
	"github.com/alanyoungcy/chainbot/internal/telemetry"
)

// State is the lifecycle state of the scheduler loop.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Config is supplied on every Start.
type Config struct {
	Interval           time.Duration `json:"interval"`
	MaxConcurrentRules int           `json:"max_concurrent_rules"`
	// LockTTL bounds how long a crashed instance holds the cycle lock.
	LockTTL time.Duration `json:"lock_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxConcurrentRules <= 0 {
		c.MaxConcurrentRules = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// CycleLockKey is the lock that keeps cycles exclusive across instances.
const CycleLockKey = "scheduler:cycle"

// Snapshotter takes the position snapshot of a cycle.
type Snapshotter interface {
	Take(ctx context.Context, queries []domain.Query) domain.PositionSnapshot
}

// StepRunner executes a rule's plan.
type StepRunner interface {
	RunSteps(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error)
}

// Deps are the collaborators of a Scheduler. Locks, Events and Metrics are
// optional.
type Deps struct {
	Rules    domain.RuleStore
	Reader   Snapshotter
	Runner   StepRunner
	Registry *strategy.Registry
	Locks    domain.LockManager
	Events   *notify.Emitter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Status is the externally visible state of the scheduler.
type Status struct {
	State     State               `json:"state"`
	Config    Config              `json:"config"`
	Cycles    int64               `json:"cycles"`
	LastCycle *domain.CycleReport `json:"last_cycle,omitempty"`
}

// Scheduler is an explicit handle over the cycle loop. The zero value is not
// usable; call New.
type Scheduler struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
	last   *domain.CycleReport

	cycling atomic.Bool
	cycles  atomic.Int64
}

// New creates a stopped Scheduler.
func New(deps Deps) *Scheduler {
	if deps.Registry == nil {
		deps.Registry = strategy.DefaultRegistry()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "scheduler")),
		state:  StateStopped,
		cfg:    Config{}.withDefaults(),
	}
}

// State returns whether the loop is running.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the state, the active config and the last cycle report.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Config: s.cfg, Cycles: s.cycles.Load()}
	if s.last != nil {
		r := *s.last
		st.LastCycle = &r
	}
	return st
}

// Start launches the cycle loop with cfg. The first cycle runs immediately.
// The loop lives until Stop or until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return domain.ErrSchedulerRunning
	}
	cfg = cfg.withDefaults()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cfg = cfg
	s.cancel = cancel
	s.done = done
	s.state = StateRunning

	go s.loop(loopCtx, cfg, done)

	s.logger.Info("scheduler started",
		slog.Duration("interval", cfg.Interval),
		slog.Int("max_concurrent_rules", cfg.MaxConcurrentRules),
	)
	return nil
}

// Stop prevents further cycles and waits for the loop to exit. A cycle in
// flight is never cancelled; if ctx ends first Stop returns its error and
// the cycle finishes in the background.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return domain.ErrSchedulerStopped
	}
	s.state = StateStopped
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single cycle now with the last configured settings. It
// fails with domain.ErrCycleInProgress when a cycle is already running.
func (s *Scheduler) RunOnce(ctx context.Context) (domain.CycleReport, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.cycle(ctx, cfg)
}

func (s *Scheduler) loop(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		// The cycle outlives a Stop issued while it runs.
		if _, err := s.cycle(context.WithoutCancel(ctx), cfg); err != nil {
			switch {
			case errors.Is(err, domain.ErrCycleInProgress), errors.Is(err, domain.ErrLockHeld):
				s.logger.Debug("cycle skipped", slog.String("reason", err.Error()))
			default:
				s.logger.Error("cycle failed", slog.String("error", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.done == done {
				s.state = StateStopped
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

type runResult string

const (
	resultSucceeded runResult = "succeeded"
	resultFailed    runResult = "failed"
	resultPartial   runResult = "partial"
	resultSkipped   runResult = "skipped"
)

type triggered struct {
	rule     domain.Rule
	decision strategy.Decision
}

func (s *Scheduler) cycle(ctx context.Context, cfg Config) (domain.CycleReport, error) {
	if !s.cycling.CompareAndSwap(false, true) {
		return domain.CycleReport{}, domain.ErrCycleInProgress
	}
	defer s.cycling.Store(false)

	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, CycleLockKey, cfg.LockTTL)
		if err != nil {
			return domain.CycleReport{}, fmt.Errorf("scheduler: cycle lock: %w", err)
		}
		defer unlock()
	}

	start := s.deps.Now()
	report := domain.CycleReport{StartedAt: start}

	rules, err := s.deps.Rules.ListByStatus(ctx, domain.RuleActive)
	if err != nil {
		return report, fmt.Errorf("scheduler: list active rules: %w", err)
	}
	report.Evaluated = len(rules)

	var fire []triggered
	if len(rules) > 0 {
		snap := s.deps.Reader.Take(ctx, s.deps.Registry.Queries(rules))
		report.Unknown = snap.Unknown()
		for _, rule := range rules {
			dec, err := s.evaluate(rule, snap, start)
			if err != nil {
				s.logger.Warn("rule not evaluated", slog.String("rule_id", rule.ID), slog.String("error", err.Error()))
				report.Skipped++
				continue
			}
			if !dec.Fire {
				s.logger.Debug("rule not triggered",
					slog.String("rule_id", rule.ID),
					slog.String("kind", string(rule.Kind)),
					slog.String("reason", dec.SkipReason),
				)
				report.Skipped++
				continue
			}
			fire = append(fire, triggered{rule: rule, decision: dec})
		}
	}
	report.Triggered = len(fire)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(cfg.MaxConcurrentRules)
	for _, t := range fire {
		p.Go(func() {
			res := s.execute(ctx, t.rule, t.decision, start)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultSucceeded:
				report.Succeeded++
			case resultFailed, resultPartial:
				report.Failed++
			default:
				report.Skipped++
			}
		})
	}
	p.Wait()

	report.Duration = s.deps.Now().Sub(start)
	s.cycles.Add(1)
	s.mu.Lock()
	r := report
	s.last = &r
	s.mu.Unlock()

	s.deps.Metrics.RecordCycle(ctx, report.Unknown)
	s.deps.Events.Emit(ctx, domain.Event{
		Type:    domain.EventCycle,
		Message: fmt.Sprintf("cycle: %d evaluated, %d triggered, %d failed", report.Evaluated, report.Triggered, report.Failed),
		Detail: map[string]any{
			"evaluated": report.Evaluated,
			"triggered": report.Triggered,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
			"unknown":   report.Unknown,
		},
		At: start,
	})
	s.logger.Info("cycle complete",
		slog.Int("evaluated", report.Evaluated),
		slog.Int("triggered", report.Triggered),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("unknown", report.Unknown),
		slog.Duration("took", report.Duration),
	)
	return report, nil
}

// evaluate runs the rule's evaluator, turning a panic into an error.
func (s *Scheduler) evaluate(rule domain.Rule, snap domain.PositionSnapshot, now time.Time) (dec strategy.Decision, err error) {
	e, err := s.deps.Registry.Get(rule.Kind)
	if err != nil {
		return strategy.Decision{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return e.Evaluate(rule, snap, now), nil
}

// execute claims rule, runs its plan and completes it. Logs are appended in
// step order before the rule leaves Executing.
func (s *Scheduler) execute(ctx context.Context, rule domain.Rule, dec strategy.Decision, cycleStart time.Time) (res runResult) {
	log := s.logger.With(slog.String("rule_id", rule.ID), slog.String("kind", string(rule.Kind)))

	if err := s.deps.Rules.UpdateStatus(ctx, rule.ID, domain.RuleExecuting); err != nil {
		log.Info("rule not claimed", slog.String("error", err.Error()))
		return resultSkipped
	}

	claimed := true
	defer func() {
		if r := recover(); r != nil {
			log.Error("rule execution panicked", slog.Any("panic", r))
			if claimed {
				s.appendLog(ctx, log, failureLog(rule, "panic", "", fmt.Sprintf("panic: %v", r)))
				s.complete(ctx, log, rule, domain.RuleFailed, false)
			}
			res = resultFailed
		}
		s.deps.Metrics.RecordRuleRun(ctx, string(rule.Kind), string(res))
	}()

	runKey := fmt.Sprintf("%s:%d", rule.ID, cycleStart.UnixNano())
	results, runErr := s.deps.Runner.RunSteps(ctx, runKey, dec.Steps)

	for _, r := range results {
		s.appendLog(ctx, log, domain.LogFromOutcome(rule, r.Step.Action, r.Key, r.Outcome))
	}
	if runErr != nil && len(results) < len(dec.Steps) {
		i := len(results)
		s.appendLog(ctx, log, failureLog(rule, dec.Steps[i].Action, executor.StepKey(runKey, i), runErr.Error()))
	}

	succeeded := 0
	for _, r := range results {
		if r.Outcome.Success {
			succeeded++
		}
	}

	var next domain.RuleStatus
	var ev domain.Event
	switch {
	case runErr == nil && succeeded == len(dec.Steps):
		res = resultSucceeded
		next = rule.StatusAfterSuccess()
		ev = domain.Event{Type: domain.EventRuleExecuted, Message: fmt.Sprintf("%s rule %s executed", rule.Kind, rule.ID)}
	case succeeded > 0:
		res = resultPartial
		next = domain.RuleFailed
		ev = domain.Event{Type: domain.EventRulePartial, Message: fmt.Sprintf("%s rule %s failed after %d of %d steps", rule.Kind, rule.ID, succeeded, len(dec.Steps))}
	default:
		res = resultFailed
		next = rule.StatusAfterFailure()
		ev = domain.Event{Type: domain.EventRuleFailed, Message: fmt.Sprintf("%s rule %s failed", rule.Kind, rule.ID)}
	}

	s.complete(ctx, log, rule, next, res == resultSucceeded)
	claimed = false

	ev.RuleID = rule.ID
	ev.Detail = map[string]any{"kind": string(rule.Kind), "status": string(next), "owner": rule.Owner}
	if len(results) > 0 {
		last := results[len(results)-1].Outcome
		if last.PrimaryIdentifier != "" {
			ev.Detail["result"] = last.PrimaryIdentifier
		}
		if !last.Success {
			ev.Detail["error"] = last.Message
		}
	}
	if runErr != nil {
		ev.Detail["error"] = runErr.Error()
	}
	s.deps.Events.Emit(ctx, ev)

	log.Info("rule run finished", slog.String("result", string(res)), slog.String("status", string(next)))
	return res
}

func (s *Scheduler) complete(ctx context.Context, log *slog.Logger, rule domain.Rule, next domain.RuleStatus, success bool) {
	c := domain.Completion{Status: next, CountInterval: success}
	if success {
		c.RanAt = s.deps.Now()
	}
	if _, err := s.deps.Rules.Complete(ctx, rule.ID, c); err != nil {
		log.Error("complete rule failed", slog.String("status", string(next)), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) appendLog(ctx context.Context, log *slog.Logger, entry domain.ExecutionLog) {
	if _, err := s.deps.Rules.AppendLog(ctx, entry); err != nil {
		log.Error("append execution log failed", slog.String("action", entry.Action), slog.String("error", err.Error()))
	}
}

func failureLog(rule domain.Rule, action, key, msg string) domain.ExecutionLog {
	return domain.ExecutionLog{
		RuleID:         rule.ID,
		Owner:          rule.Owner,
		Action:         action,
		IdempotencyKey: key,
		Success:        false,
		Error:          msg,
		ExecutedAt:     time.Now().UTC(),
	}
}
