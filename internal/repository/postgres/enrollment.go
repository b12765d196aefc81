package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// EnrollmentRepo implements automation.EnrollmentStore.
type EnrollmentRepo struct{ db *sql.DB }

var _ automation.EnrollmentStore = (*EnrollmentRepo)(nil)

func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{db: db} }

const enrollmentColumns = `id, campaign_id, lead_id, status, current_block_id, path_taken, enrolled_at, completed_at, updated_at`

func scanEnrollment(s scanner) (*domain.Enrollment, error) {
	var (
		e         domain.Enrollment
		completed sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Status, &e.CurrentBlockID,
		pq.Array(&e.PathTaken), &e.EnrolledAt, &completed, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if e.PathTaken == nil {
		e.PathTaken = []string{}
	}
	e.CompletedAt = timePtr(completed)
	return &e, nil
}

func (r *EnrollmentRepo) Create(ctx context.Context, e *domain.Enrollment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_enrollments
			(id, campaign_id, lead_id, status, current_block_id, path_taken, enrolled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, e.ID, e.CampaignID, e.LeadID, e.Status, e.CurrentBlockID, pq.Array(nonNil(e.PathTaken)), e.EnrolledAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("lead %s: %w", e.LeadID, domain.ErrAlreadyEnrolled)
	}
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

func (r *EnrollmentRepo) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM campaign_enrollments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

func (r *EnrollmentRepo) List(ctx context.Context, f automation.EnrollmentFilter) ([]domain.Enrollment, error) {
	var w where
	if f.CampaignID != "" {
		w.add("campaign_id = $%d", f.CampaignID)
	}
	if f.LeadID != "" {
		w.add("lead_id = $%d", f.LeadID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	q := `SELECT ` + enrollmentColumns + ` FROM campaign_enrollments` + w.String() + ` ORDER BY enrolled_at, id`
	q += w.page(f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var out []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// RecordStep appends to path_taken in a single statement so concurrent
// branches of one enrollment cannot lose each other's steps.
func (r *EnrollmentRepo) RecordStep(ctx context.Context, id, blockID, nextBlockID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET path_taken = array_append(path_taken, $2),
		    current_block_id = COALESCE(NULLIF($3, ''), current_block_id),
		    updated_at = NOW()
		WHERE id = $1
	`, id, blockID, nextBlockID)
	if err != nil {
		return fmt.Errorf("record enrollment step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *EnrollmentRepo) Finish(ctx context.Context, id string, status domain.EnrollmentStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_enrollments
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, status, at)
	if err != nil {
		return false, fmt.Errorf("finish enrollment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
