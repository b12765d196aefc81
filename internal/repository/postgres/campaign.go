package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

var _ campaign.Repository = (*CampaignRepo)(nil)

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, description, owner_id, owner_is_admin, status,
	targeting, blocks, connections,
	enrolled_count, active_count, completed_count, sent_count,
	opened_count, clicked_count, replied_count,
	activated_at, completed_at, created_at, updated_at`

func scanCampaign(s scanner) (*domain.Campaign, error) {
	var (
		c                        domain.Campaign
		targeting, blocks, conns []byte
		activatedAt, completedAt sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.Name, &c.Description, &c.OwnerID, &c.OwnerIsAdmin, &c.Status,
		&targeting, &blocks, &conns,
		&c.Metrics.Enrolled, &c.Metrics.Active, &c.Metrics.Completed, &c.Metrics.Sent,
		&c.Metrics.Opened, &c.Metrics.Clicked, &c.Metrics.Replied,
		&activatedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
		return nil, fmt.Errorf("decode targeting of campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(blocks, &c.Blocks); err != nil {
		return nil, fmt.Errorf("decode blocks of campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(conns, &c.Connections); err != nil {
		return nil, fmt.Errorf("decode connections of campaign %s: %w", c.ID, err)
	}
	c.ActivatedAt = timePtr(activatedAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	var w where
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	if f.OwnerID != "" {
		w.add("owner_id = $%d", f.OwnerID)
	}
	if f.Search != "" {
		w.add("name ILIKE $%d", "%"+f.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + w.String() + ` ORDER BY created_at DESC`
	q += w.page(f.Limit, f.Offset)
	out, err := r.query(ctx, q, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	return out, total, nil
}

func (r *CampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	out, err := r.query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s campaigns: %w", status, err)
	}
	return out, nil
}

func (r *CampaignRepo) query(ctx context.Context, q string, args ...any) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	targeting, err := marshalJSON(c.Targeting)
	if err != nil {
		return err
	}
	blocks, err := marshalJSON(nonNil(c.Blocks))
	if err != nil {
		return err
	}
	conns, err := marshalJSON(nonNil(c.Connections))
	if err != nil {
		return err
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO campaigns
			(id, name, description, owner_id, owner_is_admin, status,
			 targeting, blocks, connections, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), COALESCE($10, NOW()))
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Description, c.OwnerID, c.OwnerIsAdmin, c.Status,
		targeting, blocks, conns, nullTime(c.CreatedAt)).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) UpdateDefinition(ctx context.Context, id string, d campaign.Definition) error {
	targeting, err := marshalJSON(d.Targeting)
	if err != nil {
		return err
	}
	blocks, err := marshalJSON(nonNil(d.Blocks))
	if err != nil {
		return err
	}
	conns, err := marshalJSON(nonNil(d.Connections))
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET targeting = $2, blocks = $3, connections = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'paused')
	`, id, targeting, blocks, conns)
	if err != nil {
		return fmt.Errorf("update campaign definition: %w", err)
	}
	return r.explainNoop(ctx, res, id, "edit")
}

func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		if s.CanTransition(to) {
			allowed = append(allowed, string(s))
		}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2::text,
		    activated_at = CASE WHEN $2::text = 'active' THEN COALESCE(activated_at, NOW()) ELSE activated_at END,
		    completed_at = CASE WHEN $2::text = 'completed' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(to), pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	return r.explainNoop(ctx, res, id, "move to "+string(to))
}

func (r *CampaignRepo) ApplyMetrics(ctx context.Context, id string, d domain.MetricsDelta) (domain.Metrics, error) {
	var m domain.Metrics
	err := r.db.QueryRowContext(ctx, `
		UPDATE campaigns SET
			enrolled_count  = GREATEST(enrolled_count + $2, 0),
			active_count    = GREATEST(active_count + $3, 0),
			completed_count = GREATEST(completed_count + $4, 0),
			sent_count      = GREATEST(sent_count + $5, 0),
			opened_count    = GREATEST(opened_count + $6, 0),
			clicked_count   = GREATEST(clicked_count + $7, 0),
			replied_count   = GREATEST(replied_count + $8, 0)
		WHERE id = $1
		RETURNING enrolled_count, active_count, completed_count, sent_count,
		          opened_count, clicked_count, replied_count
	`, id, d.Enrolled, d.Active, d.Completed, d.Sent, d.Opened, d.Clicked, d.Replied).Scan(
		&m.Enrolled, &m.Active, &m.Completed, &m.Sent, &m.Opened, &m.Clicked, &m.Replied,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("apply campaign metrics: %w", err)
	}
	return m, nil
}

// Delete removes the campaign. Enrollments, executions and engagements go
// with it through ON DELETE CASCADE.
func (r *CampaignRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1 AND status <> 'active'`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return r.explainNoop(ctx, res, id, "delete")
}

// explainNoop turns a conditional write that touched no row into
// ErrNotFound or ErrInvalidTransition.
func (r *CampaignRepo) explainNoop(ctx context.Context, res sql.Result, id, action string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status domain.CampaignStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get campaign status: %w", err)
	}
	return fmt.Errorf("%w: cannot %s %s campaign", domain.ErrInvalidTransition, action, status)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
