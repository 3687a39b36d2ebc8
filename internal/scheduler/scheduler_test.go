package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/chainbot/internal/cache/memory"
	"github.com/alanyoungcy/chainbot/internal/domain"
	"github.com/alanyoungcy/chainbot/internal/executor"
	"github.com/alanyoungcy/chainbot/internal/notify"
	"github.com/alanyoungcy/chainbot/internal/store/memory"
	"github.com/alanyoungcy/chainbot/internal/store/storetest"
	"github.com/alanyoungcy/chainbot/internal/strategy"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeReader struct {
	values map[string]decimal.Decimal
}

func (f fakeReader) Take(_ context.Context, queries []domain.Query) domain.PositionSnapshot {
	snap := domain.PositionSnapshot{TakenAt: t0, Readings: make(map[string]domain.Reading)}
	for _, q := range queries {
		if v, ok := f.values[q.Key()]; ok {
			snap.Readings[q.Key()] = domain.KnownReading(v)
		} else {
			snap.Readings[q.Key()] = domain.UnknownReading(errors.New("gateway unreachable"))
		}
	}
	return snap
}

type runnerFunc func(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error)

func (f runnerFunc) RunSteps(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error) {
	return f(ctx, runKey, steps)
}

// outcomes returns a runner that answers step i with ok[i]. Steps past the
// end of ok succeed.
func outcomes(calls *atomic.Int32, ok ...bool) runnerFunc {
	return func(_ context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error) {
		calls.Add(1)
		var results []executor.StepResult
		for i, step := range steps {
			success := i >= len(ok) || ok[i]
			key := executor.StepKey(runKey, i)
			out := domain.OperationOutcome{
				Chain:       step.Request.Chain,
				Op:          step.Request.Op,
				Success:     success,
				CompletedAt: t0,
			}
			if success {
				out.PrimaryIdentifier = "tx-" + key
			} else {
				out.Message = "slippage exceeded"
			}
			results = append(results, executor.StepResult{Step: step, Key: key, Outcome: out})
			if !success {
				break
			}
		}
		return results, nil
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(rules domain.RuleStore, reader Snapshotter, runner StepRunner, clk *clock) *Scheduler {
	return New(Deps{
		Rules:  rules,
		Reader: reader,
		Runner: runner,
		Logger: discard(),
		Now:    clk.Now,
	})
}

func addActive(t *testing.T, s domain.RuleStore, rule domain.Rule) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.Add(ctx, rule)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleConfirmed))
	require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleActive))
	return id
}

func stopLoss() domain.Rule {
	r := storetest.StopLossRule("alice")
	r.Size = domain.Size{Units: decimal.NewFromInt(1_000_000)}
	return r
}

var ethPrice = domain.PriceQuery("ETH").Key()

func TestDCAIntervalBound(t *testing.T) {
	store := memory.NewRuleStore()
	rule := storetest.DCARule("alice")
	rule.Trigger.MaxIntervals = 2
	id := addActive(t, store, rule)

	balance := domain.BalanceQuery(domain.ChainSolana, "SOL").Key()
	reader := fakeReader{values: map[string]decimal.Decimal{balance: decimal.NewFromInt(2_000_000_000)}}
	var calls atomic.Int32
	clk := &clock{t: t0}
	s := newScheduler(store, reader, outcomes(&calls), clk)
	ctx := context.Background()

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, 1, report.Succeeded)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleActive, got.Status)
	assert.Equal(t, 1, got.ExecutedIntervals)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(t0))

	// Same instant: the interval has not elapsed.
	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Triggered)
	assert.Equal(t, 1, report.Skipped)

	clk.Advance(time.Hour)
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleExecuted, got.Status)
	assert.Equal(t, 2, got.ExecutedIntervals)

	clk.Advance(time.Hour)
	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evaluated)
	assert.Equal(t, int32(2), calls.Load())

	logs, err := store.RuleLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, executor.StepKey(id+":"+strconv.FormatInt(t0.UnixNano(), 10), 0), logs[0].IdempotencyKey)
	assert.Equal(t, "swap", logs[0].Action)
	assert.True(t, logs[0].Success)
}

func TestExecutingClaimSurvivesStatusUpdates(t *testing.T) {
	store := memory.NewRuleStore()
	rule := storetest.DCARule("alice")
	rule.Trigger.MaxIntervals = 1
	id := addActive(t, store, rule)

	balance := domain.BalanceQuery(domain.ChainSolana, "SOL").Key()
	reader := fakeReader{values: map[string]decimal.Decimal{balance: decimal.NewFromInt(2_000_000_000)}}
	var calls atomic.Int32
	var releaseErrs []error
	swap := outcomes(&calls)
	runner := runnerFunc(func(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error) {
		releaseErrs = append(releaseErrs, store.UpdateStatus(ctx, id, domain.RuleActive))
		return swap(ctx, runKey, steps)
	})
	clk := &clock{t: t0}
	s := newScheduler(store, reader, runner, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.RunOnce(ctx)
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, releaseErrs, 1)
	assert.True(t, errors.Is(releaseErrs[0], domain.ErrRuleExecuting))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleExecuted, got.Status)
	assert.Equal(t, 1, got.ExecutedIntervals)
}

func TestDCABelowReserveSkipsWithoutLog(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, storetest.DCARule("alice"))

	// 255M - 250M leaves 5M, below the 10M reserve.
	balance := domain.BalanceQuery(domain.ChainSolana, "SOL").Key()
	reader := fakeReader{values: map[string]decimal.Decimal{balance: decimal.NewFromInt(255_000_000)}}
	var calls atomic.Int32
	s := newScheduler(store, reader, outcomes(&calls), &clock{t: t0})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Triggered)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, calls.Load())

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleActive, got.Status)
	assert.Zero(t, got.ExecutedIntervals)
	logs, err := store.RuleLogs(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestUnknownBalanceSkips(t *testing.T) {
	store := memory.NewRuleStore()
	addActive(t, store, storetest.DCARule("alice"))
	var calls atomic.Int32
	s := newScheduler(store, fakeReader{}, outcomes(&calls), &clock{t: t0})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, calls.Load())
}

func TestStopLossSuccess(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1800")}}
	bus := cachemem.NewSignalBus()
	var calls atomic.Int32
	s := New(Deps{
		Rules:  store,
		Reader: reader,
		Runner: outcomes(&calls),
		Events: notify.NewEmitter(bus, discard()),
		Logger: discard(),
		Now:    (&clock{t: t0}).Now,
	})
	ctx := context.Background()

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleExecuted, got.Status)

	logs, err := store.RuleLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.True(t, strings.HasPrefix(logs[0].Result, "tx-"+id))

	msgs, err := bus.StreamRead(ctx, domain.StreamEvents, "0", 10)
	require.NoError(t, err)
	var types []string
	for _, m := range msgs {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{domain.EventRuleExecuted, domain.EventCycle}, types)
}

func TestStopLossNotCrossed(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1900")}}
	var calls atomic.Int32
	s := newScheduler(store, reader, outcomes(&calls), &clock{t: t0})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleActive, got.Status)
}

func TestStopLossFailure(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1850.25")}}
	var calls atomic.Int32
	s := newScheduler(store, reader, outcomes(&calls, false), &clock{t: t0})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleFailed, got.Status)
	assert.Nil(t, got.LastRunAt)

	logs, err := store.RuleLogs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "slippage exceeded", logs[0].Error)
}

func TestRunStepsErrorWritesFailureLog(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1000")}}
	runner := runnerFunc(func(context.Context, string, []domain.PlannedStep) ([]executor.StepResult, error) {
		return nil, domain.ErrOperationInFlight
	})
	s := newScheduler(store, reader, runner, &clock{t: t0})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	logs, err := store.RuleLogs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].Error, "in flight")
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleFailed, got.Status)
}

// twoSteps fires every rule of its kind with a two-step plan.
type twoSteps struct{ kind domain.RuleKind }

func (e twoSteps) Kind() domain.RuleKind              { return e.kind }
func (e twoSteps) Queries(domain.Rule) []domain.Query { return nil }
func (e twoSteps) Evaluate(rule domain.Rule, _ domain.PositionSnapshot, _ time.Time) strategy.Decision {
	req := domain.OperationRequest{Chain: rule.Chain, Op: domain.OpSwap}
	return strategy.Fire(
		domain.PlannedStep{Action: "unstake", Request: req},
		domain.PlannedStep{Action: "stake", Request: req, FeedAmount: true},
	)
}

func TestPartialFailureIsVisible(t *testing.T) {
	store := memory.NewRuleStore()
	rule := storetest.DCARule("alice")
	id := addActive(t, store, rule)

	reg := strategy.NewRegistry()
	reg.Register(twoSteps{kind: domain.RuleDCA})
	var calls atomic.Int32
	s := New(Deps{
		Rules:    store,
		Reader:   fakeReader{},
		Runner:   outcomes(&calls, true, false),
		Registry: reg,
		Logger:   discard(),
		Now:      (&clock{t: t0}).Now,
	})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	logs, err := store.RuleLogs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "unstake", logs[0].Action)
	assert.True(t, logs[0].Success)
	assert.Equal(t, "stake", logs[1].Action)
	assert.False(t, logs[1].Success)
	assert.Less(t, logs[0].Seq, logs[1].Seq)

	// Partial failure fails even a retrying rule.
	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleFailed, got.Status)
}

func TestPanicDoesNotBlockOtherRules(t *testing.T) {
	store := memory.NewRuleStore()
	bad := addActive(t, store, stopLoss())
	good := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1000")}}
	var calls atomic.Int32
	ok := outcomes(&calls)
	runner := runnerFunc(func(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error) {
		if strings.HasPrefix(runKey, bad+":") {
			panic("boom")
		}
		return ok(ctx, runKey, steps)
	})
	s := newScheduler(store, reader, runner, &clock{t: t0})

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	got, err := store.Get(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleFailed, got.Status)
	logs, err := store.RuleLogs(context.Background(), bad)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "panic: boom", logs[0].Error)

	got, err = store.Get(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleExecuted, got.Status)
}

// blocking returns a runner that signals entered and waits for release.
func blocking(entered chan<- struct{}, release <-chan struct{}, calls *atomic.Int32, ctxErr *atomic.Value) runnerFunc {
	ok := outcomes(calls)
	return func(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]executor.StepResult, error) {
		entered <- struct{}{}
		<-release
		if ctxErr != nil {
			ctxErr.Store(errString(ctx.Err()))
		}
		return ok(ctx, runKey, steps)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	store := memory.NewRuleStore()
	addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1000")}}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	s := newScheduler(store, reader, blocking(entered, release, &calls, nil), &clock{t: t0})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	_, err := s.RunOnce(context.Background())
	assert.True(t, errors.Is(err, domain.ErrCycleInProgress))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClaimedRuleIsNotExecutedTwice(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1000")}}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	a := newScheduler(store, reader, blocking(entered, release, &calls, nil), &clock{t: t0})
	b := newScheduler(store, reader, outcomes(&calls), &clock{t: t0})

	done := make(chan error, 1)
	go func() {
		_, err := a.RunOnce(context.Background())
		done <- err
	}()
	<-entered

	got, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleExecuting, got.Status)

	report, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evaluated)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())

	logs, err := store.RuleLogs(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestCycleLockIsExclusiveAcrossInstances(t *testing.T) {
	store := memory.NewRuleStore()
	locks := cachemem.NewLockManager()
	unlock, err := locks.Acquire(context.Background(), CycleLockKey, time.Minute)
	require.NoError(t, err)

	var calls atomic.Int32
	s := New(Deps{
		Rules:  store,
		Reader: fakeReader{},
		Runner: outcomes(&calls),
		Locks:  locks,
		Logger: discard(),
	})
	_, err = s.RunOnce(context.Background())
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	unlock()
	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	store := memory.NewRuleStore()
	id := addActive(t, store, stopLoss())
	reader := fakeReader{values: map[string]decimal.Decimal{ethPrice: decimal.RequireFromString("1000")}}
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	var ctxErr atomic.Value
	s := newScheduler(store, reader, blocking(entered, release, &calls, &ctxErr), &clock{t: t0})
	assert.Equal(t, StateStopped, s.State())

	cfg := Config{Interval: time.Hour, MaxConcurrentRules: 2}
	require.NoError(t, s.Start(context.Background(), cfg))
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, errors.Is(s.Start(context.Background(), cfg), domain.ErrSchedulerRunning))

	<-entered

	// Stop does not cancel the cycle in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(s.Stop(ctx), context.DeadlineExceeded))
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, errors.Is(s.Stop(context.Background()), domain.ErrSchedulerStopped))

	close(release)
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), id)
		return err == nil && got.Status == domain.RuleExecuted
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Cycles == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", ctxErr.Load())

	// Restart with a new config.
	require.NoError(t, s.Start(context.Background(), Config{Interval: time.Minute}))
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, time.Minute, st.Config.Interval)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}
