package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/service/campaign"
)

// Campaigns implements campaign.Repository.
type Campaigns struct{ s *Store }

var _ campaign.Repository = (*Campaigns)(nil)

func (r *Campaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	cp := copyCampaign(c)
	return &cp, nil
}

func (r *Campaigns) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := sortedValues(r.s.campaigns, func(a, b *domain.Campaign) bool { return a.CreatedAt.After(b.CreatedAt) })
	var out []domain.Campaign
	for _, c := range all {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if f.Search != "" && !containsFold(c.Name, f.Search) {
			continue
		}
		out = append(out, copyCampaign(c))
	}
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (r *Campaigns) ListByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range sortedValues(r.s.campaigns, func(a, b *domain.Campaign) bool { return a.CreatedAt.Before(b.CreatedAt) }) {
		if c.Status == status {
			out = append(out, copyCampaign(c))
		}
	}
	return out, nil
}

func (r *Campaigns) Create(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("campaign id required")
	}
	if _, exists := r.s.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	now := r.s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	cp := copyCampaign(c)
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r *Campaigns) UpdateDefinition(_ context.Context, id string, d campaign.Definition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if !c.IsEditable() {
		return fmt.Errorf("%w: campaign is %s", domain.ErrInvalidTransition, c.Status)
	}
	c.Targeting = d.Targeting
	c.Blocks = slices.Clone(d.Blocks)
	c.Connections = slices.Clone(d.Connections)
	c.UpdatedAt = r.s.now()
	return nil
}

func (r *Campaigns) UpdateStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(from, c.Status) || !c.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, to)
	}
	now := r.s.now()
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case domain.CampaignActive:
		if c.ActivatedAt == nil {
			c.ActivatedAt = &now
		}
	case domain.CampaignCompleted:
		c.CompletedAt = &now
	}
	return nil
}

func (r *Campaigns) ApplyMetrics(_ context.Context, id string, delta domain.MetricsDelta) (domain.Metrics, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return domain.Metrics{}, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	c.Metrics = c.Metrics.Apply(delta)
	return c.Metrics, nil
}

func (r *Campaigns) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	if c.Status == domain.CampaignActive {
		return fmt.Errorf("%w: campaign is active", domain.ErrInvalidTransition)
	}
	for eid, e := range r.s.executions {
		if e.CampaignID == id {
			delete(r.s.executions, eid)
		}
	}
	for eid, e := range r.s.enrollments {
		if e.CampaignID == id {
			delete(r.s.enrollments, eid)
		}
	}
	delete(r.s.campaigns, id)
	return nil
}
