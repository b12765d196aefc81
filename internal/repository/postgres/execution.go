package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// ExecutionRepo implements automation.ExecutionStore. The partial unique
// index uq_executions_open enforces one open execution per enrollment and
// block; ClaimDue relies on SKIP LOCKED so concurrent workers never claim
// the same row.
type ExecutionRepo struct{ db *sql.DB }

var _ automation.ExecutionStore = (*ExecutionRepo)(nil)

func NewExecutionRepo(db *sql.DB) *ExecutionRepo { return &ExecutionRepo{db: db} }

const executionColumns = `id, campaign_id, enrollment_id, lead_id, block_id, status, attempt,
	scheduled_for, claimed_at, executed_at, result, error, created_at`

func scanExecution(s scanner) (*domain.Execution, error) {
	var (
		e                 domain.Execution
		claimed, executed sql.NullTime
		result            []byte
	)
	if err := s.Scan(&e.ID, &e.CampaignID, &e.EnrollmentID, &e.LeadID, &e.BlockID, &e.Status, &e.Attempt,
		&e.ScheduledFor, &claimed, &executed, &result, &e.Error, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ClaimedAt = timePtr(claimed)
	e.ExecutedAt = timePtr(executed)
	if len(result) > 0 {
		e.Result = &domain.ExecutionResult{}
		if err := json.Unmarshal(result, e.Result); err != nil {
			return nil, fmt.Errorf("decode result of execution %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func filterExecutions(f automation.ExecutionFilter) *where {
	w := &where{}
	if f.CampaignID != "" {
		w.add("campaign_id = $%d", f.CampaignID)
	}
	if f.EnrollmentID != "" {
		w.add("enrollment_id = $%d", f.EnrollmentID)
	}
	if f.BlockID != "" {
		w.add("block_id = $%d", f.BlockID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	return w
}

func (r *ExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_executions
			(id, campaign_id, enrollment_id, lead_id, block_id, status, attempt, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.CampaignID, e.EnrollmentID, e.LeadID, e.BlockID, e.Status, e.Attempt, e.ScheduledFor, e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("block %s: %w", e.BlockID, domain.ErrDuplicateExecution)
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := scanExecution(r.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM campaign_executions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (r *ExecutionRepo) List(ctx context.Context, f automation.ExecutionFilter) ([]domain.Execution, error) {
	w := filterExecutions(f)
	q := `SELECT ` + executionColumns + ` FROM campaign_executions` + w.String() +
		` ORDER BY scheduled_for, created_at` + w.page(f.Limit, f.Offset)
	out, err := r.query(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// ClaimDue flips due pending rows of active campaigns to executing in one
// statement and returns them oldest first.
func (r *ExecutionRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	out, err := r.query(ctx, `
		WITH due AS (
			SELECT e.id
			FROM campaign_executions e
			JOIN campaigns c ON c.id = e.campaign_id
			WHERE e.status = 'pending'
			  AND e.scheduled_for <= $1
			  AND c.status = 'active'
			ORDER BY e.scheduled_for, e.created_at
			LIMIT $2
			FOR UPDATE OF e SKIP LOCKED
		)
		UPDATE campaign_executions x
		SET status = 'executing', claimed_at = $1
		FROM due
		WHERE x.id = due.id
		RETURNING x.id, x.campaign_id, x.enrollment_id, x.lead_id, x.block_id, x.status, x.attempt,
		          x.scheduled_for, x.claimed_at, x.executed_at, x.result, x.error, x.created_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due executions: %w", err)
	}
	slices.SortStableFunc(out, func(a, b domain.Execution) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (r *ExecutionRepo) Finish(ctx context.Context, id string, status domain.ExecutionStatus, result *domain.ExecutionResult, errMsg string, at time.Time) error {
	var payload any
	if result != nil {
		b, err := marshalJSON(result)
		if err != nil {
			return err
		}
		payload = b
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_executions
		SET status = $2, result = $3, error = $4, executed_at = $5
		WHERE id = $1 AND status = 'executing'
	`, id, status, payload, errMsg, at)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return r.explainNoop(ctx, res, id)
}

func (r *ExecutionRepo) Defer(ctx context.Context, id string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_executions
		SET status = 'pending', scheduled_for = $2, claimed_at = NULL
		WHERE id = $1 AND status = 'executing'
	`, id, until)
	if err != nil {
		return fmt.Errorf("defer execution: %w", err)
	}
	return r.explainNoop(ctx, res, id)
}

func (r *ExecutionRepo) CancelPending(ctx context.Context, f automation.ExecutionFilter) (int, error) {
	f.Status = ""
	w := filterExecutions(f)
	w.conds = append(w.conds, "status = 'pending'")
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaign_executions SET status = 'cancelled', executed_at = NOW()`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("cancel pending executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *ExecutionRepo) CountOpen(ctx context.Context, f automation.ExecutionFilter) (int, error) {
	f.Status = ""
	w := filterExecutions(f)
	w.conds = append(w.conds, "status IN ('pending', 'executing')")
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_executions`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open executions: %w", err)
	}
	return n, nil
}

func (r *ExecutionRepo) FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_executions
		SET status = 'failed', error = $2, executed_at = NOW()
		WHERE status = 'executing' AND claimed_at < $1
	`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale executions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *ExecutionRepo) query(ctx context.Context, q string, args ...any) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) explainNoop(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status domain.ExecutionStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM campaign_executions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get execution status: %w", err)
	}
	return fmt.Errorf("%w: execution %s is %s", domain.ErrInvalidTransition, id, status)
}
