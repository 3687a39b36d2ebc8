package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

const inFlightMarker = "in_flight"

// OutcomeMemo implements domain.OutcomeMemo on Redis so that idempotency
// keys hold across processes and restarts. A reserved key stores the marker
// "in_flight" for inFlightTTL; a successful outcome is stored as JSON for
// doneTTL; a failed one deletes the key so the operation may be retried.
type OutcomeMemo struct {
	c           *Client
	inFlightTTL time.Duration
	doneTTL     time.Duration
}

// NewOutcomeMemo creates an OutcomeMemo. inFlightTTL bounds how long a
// crashed dispatcher can block a key and should exceed the gateway timeout.
func NewOutcomeMemo(c *Client, inFlightTTL, doneTTL time.Duration) *OutcomeMemo {
	if inFlightTTL <= 0 {
		inFlightTTL = 10 * time.Minute
	}
	if doneTTL <= 0 {
		doneTTL = 7 * 24 * time.Hour
	}
	return &OutcomeMemo{c: c, inFlightTTL: inFlightTTL, doneTTL: doneTTL}
}

func (m *OutcomeMemo) memoKey(key string) string {
	return m.c.key("idem", key)
}

func (m *OutcomeMemo) Reserve(ctx context.Context, key string) (domain.MemoEntry, bool, error) {
	k := m.memoKey(key)
	ok, err := m.c.rdb.SetNX(ctx, k, inFlightMarker, m.inFlightTTL).Result()
	if err != nil {
		return domain.MemoEntry{}, false, fmt.Errorf("redis: reserve %s: %w", key, err)
	}
	if ok {
		return domain.MemoEntry{State: domain.MemoInFlight}, true, nil
	}

	raw, err := m.c.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = m.c.rdb.SetNX(ctx, k, inFlightMarker, m.inFlightTTL).Result()
		if err != nil {
			return domain.MemoEntry{}, false, fmt.Errorf("redis: reserve %s: %w", key, err)
		}
		if ok {
			return domain.MemoEntry{State: domain.MemoInFlight}, true, nil
		}
		return domain.MemoEntry{State: domain.MemoInFlight}, false, nil
	}
	if err != nil {
		return domain.MemoEntry{}, false, fmt.Errorf("redis: reserve %s: %w", key, err)
	}
	if raw == inFlightMarker {
		return domain.MemoEntry{State: domain.MemoInFlight}, false, nil
	}
	var out domain.OperationOutcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return domain.MemoEntry{}, false, fmt.Errorf("redis: decode memo %s: %w", key, err)
	}
	return domain.MemoEntry{State: domain.MemoDone, Outcome: out}, false, nil
}

func (m *OutcomeMemo) Finish(ctx context.Context, key string, out domain.OperationOutcome) error {
	k := m.memoKey(key)
	if !out.Success {
		if err := m.c.rdb.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("redis: release %s: %w", key, err)
		}
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("redis: encode memo %s: %w", key, err)
	}
	if err := m.c.rdb.Set(ctx, k, raw, m.doneTTL).Err(); err != nil {
		return fmt.Errorf("redis: finish %s: %w", key, err)
	}
	return nil
}

var _ domain.OutcomeMemo = (*OutcomeMemo)(nil)
