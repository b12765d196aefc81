package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// CRMRepo reads leads, tags and WhatsApp templates from the CRM tables.
// The only write is the tag set of a lead.
type CRMRepo struct{ db *sql.DB }

var (
	_ automation.LeadStore     = (*CRMRepo)(nil)
	_ automation.TagStore      = (*CRMRepo)(nil)
	_ automation.TemplateStore = (*CRMRepo)(nil)
)

func NewCRMRepo(db *sql.DB) *CRMRepo { return &CRMRepo{db: db} }

const leadSelect = `
	SELECT l.id, l.name, l.email, l.mobile, l.status, l.source, l.assigned_to, l.created_at,
	       COALESCE(array_agg(lt.tag_id ORDER BY lt.tag_id) FILTER (WHERE lt.tag_id IS NOT NULL), '{}')
	FROM leads l
	LEFT JOIN lead_tags lt ON lt.lead_id = l.id`

func scanLead(s scanner) (*domain.Lead, error) {
	var (
		l        domain.Lead
		assigned sql.NullString
	)
	if err := s.Scan(&l.ID, &l.Name, &l.Email, &l.Mobile, &l.Status, &l.Source, &assigned, &l.CreatedAt,
		pq.Array(&l.Tags)); err != nil {
		return nil, err
	}
	l.AssignedTo = assigned.String
	return &l, nil
}

func (r *CRMRepo) GetLead(ctx context.Context, id string) (*domain.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, leadSelect+` WHERE l.id = $1 GROUP BY l.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// ListVisibleLeads returns every lead for admins, otherwise the leads
// assigned to the scope owner.
func (r *CRMRepo) ListVisibleLeads(ctx context.Context, scope domain.LeadScope) ([]domain.Lead, error) {
	q := leadSelect
	var args []any
	if !scope.Admin {
		q += ` WHERE l.assigned_to = $1`
		args = append(args, nullString(scope.OwnerID))
	}
	q += ` GROUP BY l.id ORDER BY l.created_at, l.id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// UpdateTags replaces the tag set of a lead.
func (r *CRMRepo) UpdateTags(ctx context.Context, id string, tags []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lead_tags WHERE lead_id = $1 AND NOT (tag_id = ANY($2))`,
		id, pq.Array(tags)); err != nil {
		return fmt.Errorf("remove lead tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO lead_tags (lead_id, tag_id)
		SELECT $1, t FROM unnest($2::text[]) AS t
		ON CONFLICT DO NOTHING
	`, id, pq.Array(tags)); err != nil {
		return fmt.Errorf("add lead tags: %w", err)
	}
	return tx.Commit()
}

func (r *CRMRepo) ListTags(ctx context.Context) ([]domain.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *CRMRepo) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var (
		t          domain.Template
		components []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, language, components FROM whatsapp_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Language, &components)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if err := json.Unmarshal(components, &t.Components); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &t, nil
}

// EngagementRepo implements automation.EngagementStore.
type EngagementRepo struct{ db *sql.DB }

var _ automation.EngagementStore = (*EngagementRepo)(nil)

func NewEngagementRepo(db *sql.DB) *EngagementRepo { return &EngagementRepo{db: db} }

func (r *EngagementRepo) RecordEngagement(ctx context.Context, e *domain.Engagement) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_engagements (id, campaign_id, lead_id, kind, message_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.CampaignID, e.LeadID, e.Kind, e.MessageID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert engagement: %w", err)
	}
	return nil
}

func (r *EngagementRepo) HasEngagement(ctx context.Context, leadID, campaignID string, kind domain.EngagementKind, since time.Time) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM campaign_engagements
			WHERE lead_id = $1 AND campaign_id = $2 AND kind = $3 AND occurred_at >= $4
		)
	`, leadID, campaignID, kind, since).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check engagement: %w", err)
	}
	return ok, nil
}
