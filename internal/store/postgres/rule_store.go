package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// RuleStore implements domain.RuleStore using PostgreSQL. Status changes
// lock the rule row, so concurrent claims serialize in the database.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a new RuleStore backed by the given connection pool.
func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

const ruleColumns = `
	id, owner, kind, status, chain, trigger_json,
	size_units::TEXT, size_percent::TEXT, failure_policy,
	executed_intervals, last_run_at, created_at, updated_at`

func scanRule(row pgx.Row) (domain.Rule, error) {
	var (
		r                   domain.Rule
		kind, status, chain string
		policy              string
		triggerJSON         []byte
		unitsText, pctText  string
	)
	if err := row.Scan(
		&r.ID, &r.Owner, &kind, &status, &chain, &triggerJSON,
		&unitsText, &pctText, &policy,
		&r.ExecutedIntervals, &r.LastRunAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return domain.Rule{}, err
	}
	r.Kind = domain.RuleKind(kind)
	r.Status = domain.RuleStatus(status)
	r.Chain = domain.Chain(chain)
	r.FailurePolicy = domain.FailurePolicy(policy)
	if err := json.Unmarshal(triggerJSON, &r.Trigger); err != nil {
		return domain.Rule{}, fmt.Errorf("decode trigger of %s: %w", r.ID, err)
	}
	var err error
	if r.Size.Units, err = decimal.NewFromString(unitsText); err != nil {
		return domain.Rule{}, fmt.Errorf("decode size of %s: %w", r.ID, err)
	}
	if r.Size.Percent, err = decimal.NewFromString(pctText); err != nil {
		return domain.Rule{}, fmt.Errorf("decode size of %s: %w", r.ID, err)
	}
	return r, nil
}

func scanRules(rows pgx.Rows) ([]domain.Rule, error) {
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

// Add inserts a validated rule. An empty ID is replaced with a UUID.
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
		return "", fmt.Errorf("postgres: encode trigger: %w", err)
	}

	const query = `
		INSERT INTO rules (
			id, owner, kind, status, chain, trigger_json,
			size_units, size_percent, failure_policy,
			executed_intervals, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9,
			0, NOW(), NOW()
		)`
	_, err = s.pool.Exec(ctx, query,
		rule.ID, rule.Owner, string(rule.Kind), string(rule.Status), string(rule.Chain), triggerJSON,
		rule.Size.Units.String(), rule.Size.Percent.String(), string(rule.FailurePolicy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("postgres: add rule %s: %w", rule.ID, domain.ErrAlreadyExists)
		}
		return "", fmt.Errorf("postgres: add rule %s: %w", rule.ID, err)
	}
	return rule.ID, nil
}

func (s *RuleStore) Get(ctx context.Context, id string) (domain.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Rule{}, domain.ErrNotFound
		}
		return domain.Rule{}, fmt.Errorf("postgres: get rule %s: %w", id, err)
	}
	return r, nil
}

func (s *RuleStore) List(ctx context.Context, owner string) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE ($1 = '' OR owner = $1) ORDER BY created_at, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	out, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules: %w", err)
	}
	return out, nil
}

func (s *RuleStore) ListByStatus(ctx context.Context, status domain.RuleStatus) ([]domain.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules by status: %w", err)
	}
	out, err := scanRules(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules by status: %w", err)
	}
	return out, nil
}

// lockStatus reads the status of a rule with a row lock held until tx ends.
func lockStatus(ctx context.Context, tx pgx.Tx, id string) (domain.RuleStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM rules WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return domain.RuleStatus(status), nil
}

func (s *RuleStore) UpdateStatus(ctx context.Context, id string, to domain.RuleStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		from, err := lockStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("postgres: update rule %s: %w", id, err)
		}
		if err := domain.CheckUpdate(from, to); err != nil {
			return fmt.Errorf("postgres: rule %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rules SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(to)); err != nil {
			return fmt.Errorf("postgres: update rule %s: %w", id, err)
		}
		return nil
	})
}

func (s *RuleStore) Complete(ctx context.Context, id string, c domain.Completion) (domain.Rule, error) {
	var out domain.Rule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		from, err := lockStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("postgres: complete rule %s: %w", id, err)
		}
		if from != domain.RuleExecuting {
			return fmt.Errorf("postgres: complete rule %s: %w: status is %s", id, domain.ErrInvalidTransition, from)
		}
		if err := domain.CheckTransition(from, c.Status); err != nil {
			return fmt.Errorf("postgres: complete rule %s: %w", id, err)
		}

		increment := 0
		if c.CountInterval {
			increment = 1
		}
		var ranAt *time.Time
		if !c.RanAt.IsZero() {
			ranAt = &c.RanAt
		}
		const query = `
			UPDATE rules SET
				status             = $2,
				executed_intervals = executed_intervals + $3,
				last_run_at        = COALESCE($4, last_run_at),
				updated_at         = NOW()
			WHERE id = $1
			RETURNING ` + ruleColumns
		out, err = scanRule(tx.QueryRow(ctx, query, id, string(c.Status), increment, ranAt))
		if err != nil {
			return fmt.Errorf("postgres: complete rule %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.Rule{}, err
	}
	return out, nil
}

func (s *RuleStore) Delete(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		from, err := lockStatus(ctx, tx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("postgres: delete rule %s: %w", id, err)
		}
		if from == domain.RuleExecuting {
			return fmt.Errorf("postgres: delete rule %s: %w", id, domain.ErrRuleExecuting)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id); err != nil {
			return fmt.Errorf("postgres: delete rule %s: %w", id, err)
		}
		return nil
	})
}

const logColumns = `
	id, rule_id, seq, owner, action, idempotency_key,
	success, error, result, fields, executed_at`

func scanLog(row pgx.Row) (domain.ExecutionLog, error) {
	var (
		l          domain.ExecutionLog
		fieldsJSON []byte
	)
	if err := row.Scan(
		&l.ID, &l.RuleID, &l.Seq, &l.Owner, &l.Action, &l.IdempotencyKey,
		&l.Success, &l.Error, &l.Result, &fieldsJSON, &l.ExecutedAt,
	); err != nil {
		return domain.ExecutionLog{}, err
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &l.Fields); err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("decode fields of log %d: %w", l.ID, err)
		}
	}
	return l, nil
}

func scanLogs(rows pgx.Rows) ([]domain.ExecutionLog, error) {
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

// AppendLog assigns the next per-rule sequence number under a transaction
// advisory lock keyed by the rule ID.
func (s *RuleStore) AppendLog(ctx context.Context, entry domain.ExecutionLog) (domain.ExecutionLog, error) {
	if entry.RuleID == "" {
		return domain.ExecutionLog{}, fmt.Errorf("postgres: append log: rule id is required")
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	var fieldsJSON []byte
	if entry.Fields != nil {
		var err error
		if fieldsJSON, err = json.Marshal(entry.Fields); err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("postgres: encode log fields: %w", err)
		}
	}

	var out domain.ExecutionLog
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.RuleID); err != nil {
			return err
		}
		const query = `
			INSERT INTO execution_logs (
				rule_id, seq, owner, action, idempotency_key,
				success, error, result, fields, executed_at
			) VALUES (
				$1,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_logs WHERE rule_id = $1),
				$2, $3, $4, $5, $6, $7, $8, $9
			)
			RETURNING ` + logColumns
		var err error
		out, err = scanLog(tx.QueryRow(ctx, query,
			entry.RuleID, entry.Owner, entry.Action, entry.IdempotencyKey,
			entry.Success, entry.Error, entry.Result, fieldsJSON, entry.ExecutedAt,
		))
		return err
	})
	if err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("postgres: append log for %s: %w", entry.RuleID, err)
	}
	return out, nil
}

// GetLogs returns the logs of owner (all owners when empty), newest first.
func (s *RuleStore) GetLogs(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.ExecutionLog, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	const query = `
		SELECT ` + logColumns + `
		FROM execution_logs
		WHERE ($1 = '' OR owner = $1)
		  AND ($2::TIMESTAMPTZ IS NULL OR executed_at >= $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR executed_at < $3)
		ORDER BY id DESC
		LIMIT NULLIF($4, -1) OFFSET $5`
	rows, err := s.pool.Query(ctx, query, owner, opts.Since, opts.Until, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: get logs: %w", err)
	}
	out, err := scanLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: get logs: %w", err)
	}
	return out, nil
}

func (s *RuleStore) RuleLogs(ctx context.Context, ruleID string) ([]domain.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE rule_id = $1 ORDER BY seq`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: rule logs %s: %w", ruleID, err)
	}
	out, err := scanLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: rule logs %s: %w", ruleID, err)
	}
	return out, nil
}

func (s *RuleStore) ListLogsAfter(ctx context.Context, afterID int64, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+logColumns+` FROM execution_logs WHERE id > $1 ORDER BY id LIMIT NULLIF($2, -1)`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list logs after %d: %w", afterID, err)
	}
	out, err := scanLogs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list logs after %d: %w", afterID, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.RuleStore = (*RuleStore)(nil)
