package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

type memoEntry struct {
	entry domain.MemoEntry
	at    time.Time
}

// Memo is an in-process domain.OutcomeMemo. Successful outcomes are kept for
// the TTL; in-flight keys are kept until finished. It is safe for concurrent
// use.
type Memo struct {
	entries map[string]memoEntry
	ttl     time.Duration
	mu      sync.Mutex
	now     func() time.Time
}

// NewMemo creates a Memo that remembers successful outcomes for ttl.
func NewMemo(ttl time.Duration) *Memo {
	return &Memo{
		entries: make(map[string]memoEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reserve marks key in flight unless it is already in flight or finished
// successfully within the TTL.
func (m *Memo) Reserve(_ context.Context, key string) (domain.MemoEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		if e.entry.State == domain.MemoInFlight || now.Sub(e.at) < m.ttl {
			return e.entry, false, nil
		}
	}
	m.entries[key] = memoEntry{entry: domain.MemoEntry{State: domain.MemoInFlight}, at: now}
	return domain.MemoEntry{State: domain.MemoInFlight}, true, nil
}

// Finish records a successful outcome, or releases the key after a failure so
// it can be retried.
func (m *Memo) Finish(_ context.Context, key string, out domain.OperationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !out.Success {
		delete(m.entries, key)
		return nil
	}
	m.entries[key] = memoEntry{
		entry: domain.MemoEntry{State: domain.MemoDone, Outcome: out},
		at:    m.now(),
	}
	return nil
}

// Cleanup removes finished entries older than the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (m *Memo) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if e.entry.State == domain.MemoDone && now.Sub(e.at) >= m.ttl {
			delete(m.entries, key)
		}
	}
}

// Len returns the number of remembered keys.
func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ domain.OutcomeMemo = (*Memo)(nil)
