package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// RuleStore implements domain.RuleStore on SQLite.
type RuleStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRuleStore creates a RuleStore on a database returned by Open.
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

const ruleColumns = `id, owner, kind, status, chain, trigger_json, size_units, size_percent,
	failure_policy, executed_intervals, last_run_ns, created_ns, updated_ns`

func scanRule(row scanner) (domain.Rule, error) {
	var (
		r                           domain.Rule
		kind, status, chain, policy string
		triggerJSON, units, pct     string
		lastRun                     sql.NullInt64
		created, updated            int64
	)
	if err := row.Scan(&r.ID, &r.Owner, &kind, &status, &chain, &triggerJSON, &units, &pct,
		&policy, &r.ExecutedIntervals, &lastRun, &created, &updated); err != nil {
		return domain.Rule{}, err
	}
	r.Kind = domain.RuleKind(kind)
	r.Status = domain.RuleStatus(status)
	r.Chain = domain.Chain(chain)
	r.FailurePolicy = domain.FailurePolicy(policy)
	r.LastRunAt = fromNullNanos(lastRun)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(triggerJSON), &r.Trigger); err != nil {
		return domain.Rule{}, fmt.Errorf("decode trigger of %s: %w", r.ID, err)
	}
	var err error
	if r.Size.Units, err = decimal.NewFromString(units); err != nil {
		return domain.Rule{}, fmt.Errorf("decode size of %s: %w", r.ID, err)
	}
	if r.Size.Percent, err = decimal.NewFromString(pct); err != nil {
		return domain.Rule{}, fmt.Errorf("decode size of %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *RuleStore) queryRules(ctx context.Context, where string, args ...any) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE `+where+` ORDER BY created_ns, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RuleStore) Add(ctx context.Context, rule domain.Rule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = domain.RuleDraft
	}
	triggerJSON, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode trigger: %w", err)
	}
	now := nanos(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, owner, kind, status, chain, trigger_json, size_units, size_percent,
			failure_policy, executed_intervals, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rule.ID, rule.Owner, string(rule.Kind), string(rule.Status), string(rule.Chain), string(triggerJSON),
		rule.Size.Units.String(), rule.Size.Percent.String(), string(rule.FailurePolicy), now, now)
	if err != nil {
		if isConstraintViolation(err) {
			return "", fmt.Errorf("sqlite: add rule %s: %w", rule.ID, domain.ErrAlreadyExists)
		}
		return "", fmt.Errorf("sqlite: add rule %s: %w", rule.ID, err)
	}
	return rule.ID, nil
}

func (s *RuleStore) Get(ctx context.Context, id string) (domain.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Rule{}, domain.ErrNotFound
		}
		return domain.Rule{}, fmt.Errorf("sqlite: get rule %s: %w", id, err)
	}
	return r, nil
}

func (s *RuleStore) List(ctx context.Context, owner string) ([]domain.Rule, error) {
	out, err := s.queryRules(ctx, `(? = '' OR owner = ?)`, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rules: %w", err)
	}
	return out, nil
}

func (s *RuleStore) ListByStatus(ctx context.Context, status domain.RuleStatus) ([]domain.Rule, error) {
	out, err := s.queryRules(ctx, `status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rules by status: %w", err)
	}
	return out, nil
}

func txStatus(ctx context.Context, tx *sql.Tx, id string) (domain.RuleStatus, error) {
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM rules WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.RuleStatus(status), nil
}

func (s *RuleStore) UpdateStatus(ctx context.Context, id string, to domain.RuleStatus) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		from, err := txStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("sqlite: update rule %s: %w", id, err)
		}
		if err := domain.CheckUpdate(from, to); err != nil {
			return fmt.Errorf("sqlite: rule %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rules SET status = ?, updated_ns = ? WHERE id = ?`,
			string(to), nanos(s.now()), id); err != nil {
			return fmt.Errorf("sqlite: update rule %s: %w", id, err)
		}
		return nil
	})
}

func (s *RuleStore) Complete(ctx context.Context, id string, c domain.Completion) (domain.Rule, error) {
	var out domain.Rule
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		from, err := txStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("sqlite: complete rule %s: %w", id, err)
		}
		if from != domain.RuleExecuting {
			return fmt.Errorf("sqlite: complete rule %s: %w: status is %s", id, domain.ErrInvalidTransition, from)
		}
		if err := domain.CheckTransition(from, c.Status); err != nil {
			return fmt.Errorf("sqlite: complete rule %s: %w", id, err)
		}
		increment := 0
		if c.CountInterval {
			increment = 1
		}
		var ranAt sql.NullInt64
		if !c.RanAt.IsZero() {
			ranAt = sql.NullInt64{Int64: nanos(c.RanAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rules SET status = ?, executed_intervals = executed_intervals + ?,
				last_run_ns = COALESCE(?, last_run_ns), updated_ns = ?
			WHERE id = ?`,
			string(c.Status), increment, ranAt, nanos(s.now()), id); err != nil {
			return fmt.Errorf("sqlite: complete rule %s: %w", id, err)
		}
		out, err = scanRule(tx.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("sqlite: complete rule %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.Rule{}, err
	}
	return out, nil
}

func (s *RuleStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		from, err := txStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("sqlite: delete rule %s: %w", id, err)
		}
		if from == domain.RuleExecuting {
			return fmt.Errorf("sqlite: delete rule %s: %w", id, domain.ErrRuleExecuting)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: delete rule %s: %w", id, err)
		}
		return nil
	})
}

const logColumns = `id, rule_id, seq, owner, action, idempotency_key, success, error, result,
	fields_json, executed_ns`

func scanLog(row scanner) (domain.ExecutionLog, error) {
	var (
		l          domain.ExecutionLog
		fieldsJSON sql.NullString
		executed   int64
	)
	if err := row.Scan(&l.ID, &l.RuleID, &l.Seq, &l.Owner, &l.Action, &l.IdempotencyKey,
		&l.Success, &l.Error, &l.Result, &fieldsJSON, &executed); err != nil {
		return domain.ExecutionLog{}, err
	}
	l.ExecutedAt = fromNanos(executed)
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &l.Fields); err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("decode fields of log %d: %w", l.ID, err)
		}
	}
	return l, nil
}

func (s *RuleStore) queryLogs(ctx context.Context, query string, args ...any) ([]domain.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.ExecutionLog, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *RuleStore) AppendLog(ctx context.Context, entry domain.ExecutionLog) (domain.ExecutionLog, error) {
	if entry.RuleID == "" {
		return domain.ExecutionLog{}, fmt.Errorf("sqlite: append log: rule id is required")
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = s.now()
	}
	var fieldsJSON sql.NullString
	if entry.Fields != nil {
		b, err := json.Marshal(entry.Fields)
		if err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("sqlite: encode log fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(b), Valid: true}
	}

	var out domain.ExecutionLog
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO execution_logs (rule_id, seq, owner, action, idempotency_key, success, error,
				result, fields_json, executed_ns)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_logs WHERE rule_id = ?),
				?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.RuleID, entry.RuleID, entry.Owner, entry.Action, entry.IdempotencyKey, entry.Success,
			entry.Error, entry.Result, fieldsJSON, nanos(entry.ExecutedAt))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out, err = scanLog(tx.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("sqlite: append log for %s: %w", entry.RuleID, err)
	}
	return out, nil
}

// GetLogs returns the logs of owner (all owners when empty), newest first.
func (s *RuleStore) GetLogs(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.ExecutionLog, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	out, err := s.queryLogs(ctx, `
		SELECT `+logColumns+` FROM execution_logs
		WHERE (? = '' OR owner = ?)
		  AND (? IS NULL OR executed_ns >= ?)
		  AND (? IS NULL OR executed_ns < ?)
		ORDER BY id DESC LIMIT ? OFFSET ?`,
		owner, owner,
		nullNanos(opts.Since), nullNanos(opts.Since),
		nullNanos(opts.Until), nullNanos(opts.Until),
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get logs: %w", err)
	}
	return out, nil
}

func (s *RuleStore) RuleLogs(ctx context.Context, ruleID string) ([]domain.ExecutionLog, error) {
	out, err := s.queryLogs(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE rule_id = ? ORDER BY seq`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: rule logs %s: %w", ruleID, err)
	}
	return out, nil
}

func (s *RuleStore) ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := s.queryLogs(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs after %d: %w", afterID, err)
	}
	return out, nil
}

var _ domain.RuleStore = (*RuleStore)(nil)
