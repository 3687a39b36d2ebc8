// Package storetest holds the behaviour every domain store backend must
// share. Backend packages run these suites from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// DCARule returns a valid repeating rule for owner.
func DCARule(owner string) domain.Rule {
	return domain.Rule{
		Owner: owner,
		Kind:  domain.RuleDCA,
		Chain: domain.ChainSolana,
		Trigger: domain.Trigger{
			Asset:        "SOL",
			ToAsset:      "USDC",
			Interval:     domain.Duration(time.Hour),
			MaxIntervals: 4,
			Reserve:      decimal.NewFromInt(10_000_000),
		},
		Size:          domain.Size{Units: decimal.NewFromInt(250_000_000)},
		FailurePolicy: domain.FailureRetry,
	}
}

// StopLossRule returns a valid one-shot rule for owner.
func StopLossRule(owner string) domain.Rule {
	return domain.Rule{
		Owner:   owner,
		Kind:    domain.RuleStopLoss,
		Chain:   domain.ChainEthereum,
		Trigger: domain.Trigger{Asset: "ETH", ToAsset: "USDC", Price: decimal.RequireFromString("1850.25")},
		Size:    domain.Size{Percent: decimal.NewFromInt(50)},
	}
}

func activate(t *testing.T, s domain.RuleStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleConfirmed))
	require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleActive))
}

// RuleStore runs the rule store suite against fresh stores from newStore.
func RuleStore(t *testing.T, newStore func(t *testing.T) domain.RuleStore) {
	t.Run("AddAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		rule := DCARule("alice")
		rule.Trigger.At = &at

		id, err := s.Add(ctx, rule)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, domain.RuleDraft, got.Status)
		assert.Equal(t, domain.RuleDCA, got.Kind)
		assert.Equal(t, domain.ChainSolana, got.Chain)
		assert.Equal(t, domain.Duration(time.Hour), got.Trigger.Interval)
		assert.True(t, got.Trigger.Reserve.Equal(decimal.NewFromInt(10_000_000)))
		assert.True(t, got.Size.Units.Equal(decimal.NewFromInt(250_000_000)))
		require.NotNil(t, got.Trigger.At)
		assert.True(t, got.Trigger.At.Equal(at))
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("AddRejectsInvalidRule", func(t *testing.T) {
		s := newStore(t)
		rule := DCARule("alice")
		rule.Trigger.Interval = 0
		_, err := s.Add(context.Background(), rule)
		assert.True(t, errors.Is(err, domain.ErrInvalidRule))
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), uuid.NewString())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("ListByOwnerAndStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		_, err = s.Add(ctx, StopLossRule("bob"))
		require.NoError(t, err)
		activate(t, s, a)

		alice, err := s.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, alice, 1)
		assert.Equal(t, a, alice[0].ID)

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := s.ListByStatus(ctx, domain.RuleActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a, active[0].ID)
	})

	t.Run("TransitionsAreChecked", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)

		err = s.UpdateStatus(ctx, id, domain.RuleExecuting)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		activate(t, s, id)
		require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleExecuting))
		err = s.UpdateStatus(ctx, id, domain.RuleExecuting)
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		err = s.UpdateStatus(ctx, uuid.NewString(), domain.RuleActive)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("ExecutingIsReleasedOnlyByComplete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		activate(t, s, id)
		require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleExecuting))

		for _, to := range []domain.RuleStatus{domain.RuleActive, domain.RulePaused, domain.RuleFailed, domain.RuleExecuted} {
			err := s.UpdateStatus(ctx, id, to)
			assert.True(t, errors.Is(err, domain.ErrRuleExecuting), "executing -> %s: %v", to, err)
		}
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RuleExecuting, got.Status)

		done, err := s.Complete(ctx, id, domain.Completion{Status: domain.RuleActive, RanAt: time.Now().UTC(), CountInterval: true})
		require.NoError(t, err)
		assert.Equal(t, domain.RuleActive, done.Status)
		assert.Equal(t, 1, done.ExecutedIntervals)
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		activate(t, s, id)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.UpdateStatus(ctx, id, domain.RuleExecuting) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("CompleteRecordsRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		activate(t, s, id)

		_, err = s.Complete(ctx, id, domain.Completion{Status: domain.RuleActive})
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleExecuting))
		ranAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		got, err := s.Complete(ctx, id, domain.Completion{Status: domain.RuleActive, RanAt: ranAt, CountInterval: true})
		require.NoError(t, err)
		assert.Equal(t, domain.RuleActive, got.Status)
		assert.Equal(t, 1, got.ExecutedIntervals)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, got.LastRunAt.Equal(ranAt))

		stored, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ExecutedIntervals)
	})

	t.Run("DeleteKeepsLogsAndRejectsExecuting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		activate(t, s, id)
		require.NoError(t, s.UpdateStatus(ctx, id, domain.RuleExecuting))

		_, err = s.AppendLog(ctx, domain.ExecutionLog{RuleID: id, Owner: "alice", Action: "swap", Success: true, Result: "sig"})
		require.NoError(t, err)

		err = s.Delete(ctx, id)
		assert.True(t, errors.Is(err, domain.ErrRuleExecuting))

		_, err = s.Complete(ctx, id, domain.Completion{Status: domain.RuleActive, RanAt: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, id))

		_, err = s.Get(ctx, id)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		logs, err := s.RuleLogs(ctx, id)
		require.NoError(t, err)
		assert.Len(t, logs, 1)

		assert.True(t, errors.Is(s.Delete(ctx, id), domain.ErrNotFound))
	})

	t.Run("LogsAreSequencedPerRule", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, err := s.Add(ctx, DCARule("alice"))
		require.NoError(t, err)
		b, err := s.Add(ctx, StopLossRule("bob"))
		require.NoError(t, err)

		var ids []int64
		for i, ruleID := range []string{a, b, a, a} {
			owner := "alice"
			if ruleID == b {
				owner = "bob"
			}
			errMsg := ""
			if i == 3 {
				errMsg = "gateway timeout"
			}
			entry, err := s.AppendLog(ctx, domain.ExecutionLog{
				RuleID:         ruleID,
				Owner:          owner,
				Action:         "step",
				IdempotencyKey: fmt.Sprintf("%s:%d", ruleID, i),
				Success:        errMsg == "",
				Error:          errMsg,
				Fields:         map[string]string{"cost_usd": "0.05"},
				ExecutedAt:     time.Date(2026, 3, 1, 0, i, 0, 0, time.UTC),
			})
			require.NoError(t, err)
			ids = append(ids, entry.ID)
		}
		for i := 1; i < len(ids); i++ {
			assert.Greater(t, ids[i], ids[i-1])
		}

		logs, err := s.RuleLogs(ctx, a)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		for i, l := range logs {
			assert.Equal(t, i+1, l.Seq)
			assert.Equal(t, "0.05", l.Fields["cost_usd"])
		}
		assert.False(t, logs[2].Success)
		assert.Equal(t, "gateway timeout", logs[2].Error)

		bobLogs, err := s.RuleLogs(ctx, b)
		require.NoError(t, err)
		require.Len(t, bobLogs, 1)
		assert.Equal(t, 1, bobLogs[0].Seq)

		alice, err := s.GetLogs(ctx, "alice", domain.ListOpts{Limit: 2})
		require.NoError(t, err)
		require.Len(t, alice, 2)
		assert.Equal(t, ids[3], alice[0].ID)
		assert.Equal(t, ids[2], alice[1].ID)

		after, err := s.ListLogsAfter(ctx, ids[0], 2)
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, ids[1], after[0].ID)
		assert.Equal(t, ids[2], after[1].ID)
	})
}

// InvoiceStore runs the invoice store suite against fresh stores from
// newStore.
func InvoiceStore(t *testing.T, newStore func(t *testing.T) domain.InvoiceStore) {
	newInvoice := func(amount string) domain.Invoice {
		exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		return domain.Invoice{
			ID:              uuid.NewString(),
			Chain:           domain.ChainEthereum,
			ExpectedAmount:  decimal.RequireFromString(amount),
			Customer:        "acme",
			Description:     "order 42",
			Status:          domain.InvoicePending,
			PaymentAddress:  "0x52908400098527886E0F7030069857D2E4169EE7",
			BaselineBalance: decimal.RequireFromString("1000000000000000000"),
			CreatedAt:       time.Now().UTC().Truncate(time.Second),
			ExpiresAt:       &exp,
		}
	}

	t.Run("CreateGetList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := newInvoice("123456789012345678901234")
		require.NoError(t, s.Create(ctx, inv))
		assert.True(t, errors.Is(s.Create(ctx, inv), domain.ErrAlreadyExists))

		got, err := s.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, "123456789012345678901234", got.ExpectedAmount.String())
		assert.True(t, got.BaselineBalance.Equal(inv.BaselineBalance))
		assert.Equal(t, domain.InvoicePending, got.Status)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(*inv.ExpiresAt))

		other := newInvoice("5")
		other.Customer = "globex"
		require.NoError(t, s.Create(ctx, other))

		acme, err := s.List(ctx, domain.InvoiceFilter{Customer: "acme"})
		require.NoError(t, err)
		require.Len(t, acme, 1)
		pending, err := s.List(ctx, domain.InvoiceFilter{Status: domain.InvoicePending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		_, err = s.Get(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("AdvanceIsForwardOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := newInvoice("500000000")
		require.NoError(t, s.Create(ctx, inv))

		observed := decimal.RequireFromString("1000000000500000000")
		paidAt := time.Now().UTC().Truncate(time.Second)
		paid, err := s.Advance(ctx, inv.ID, domain.InvoicePaid, domain.InvoiceUpdate{At: paidAt, ObservedBalance: &observed})
		require.NoError(t, err)
		assert.Equal(t, domain.InvoicePaid, paid.Status)
		require.NotNil(t, paid.PaidAt)
		assert.True(t, paid.ObservedBalance.Equal(observed))

		_, err = s.Advance(ctx, inv.ID, domain.InvoicePaid, domain.InvoiceUpdate{At: paidAt})
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
		_, err = s.Advance(ctx, inv.ID, domain.InvoiceExpired, domain.InvoiceUpdate{At: paidAt})
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

		swept, err := s.Advance(ctx, inv.ID, domain.InvoiceSwept, domain.InvoiceUpdate{At: paidAt, SweepTxID: "0xsweep"})
		require.NoError(t, err)
		assert.Equal(t, "0xsweep", swept.SweepTxID)
		require.NotNil(t, swept.SweptAt)

		_, err = s.Advance(ctx, inv.ID, domain.InvoiceSwept, domain.InvoiceUpdate{At: paidAt})
		assert.True(t, errors.Is(err, domain.ErrAlreadySwept))

		got, err := s.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.InvoiceSwept, got.Status)
		assert.True(t, got.ObservedBalance.Equal(observed))

		_, err = s.Advance(ctx, uuid.NewString(), domain.InvoicePaid, domain.InvoiceUpdate{})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("ExpiredIsTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		inv := newInvoice("7")
		require.NoError(t, s.Create(ctx, inv))

		_, err := s.Advance(ctx, inv.ID, domain.InvoiceExpired, domain.InvoiceUpdate{At: time.Now().UTC()})
		require.NoError(t, err)
		_, err = s.Advance(ctx, inv.ID, domain.InvoicePaid, domain.InvoiceUpdate{At: time.Now().UTC()})
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})
}
