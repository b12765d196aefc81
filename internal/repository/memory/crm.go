package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// CRM holds leads, tags and WhatsApp templates. It implements the
// automation LeadStore, TagStore and TemplateStore.
type CRM struct{ s *Store }

var (
	_ automation.LeadStore     = (*CRM)(nil)
	_ automation.TagStore      = (*CRM)(nil)
	_ automation.TemplateStore = (*CRM)(nil)
)

// PutLead inserts or replaces a lead.
func (r *CRM) PutLead(l domain.Lead) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := copyLead(&l)
	r.s.leads[l.ID] = &cp
}

// PutTag inserts or replaces a tag.
func (r *CRM) PutTag(t domain.Tag) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tags[t.ID] = t
}

// PutTemplate inserts or replaces a WhatsApp template.
func (r *CRM) PutTemplate(t domain.Template) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.Components = slices.Clone(t.Components)
	r.s.templates[t.ID] = &t
}

func (r *CRM) GetLead(_ context.Context, id string) (*domain.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", id, domain.ErrNotFound)
	}
	cp := copyLead(l)
	return &cp, nil
}

func (r *CRM) UpdateTags(_ context.Context, id string, tags []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return fmt.Errorf("lead %s: %w", id, domain.ErrNotFound)
	}
	l.Tags = slices.Clone(tags)
	return nil
}

func (r *CRM) ListVisibleLeads(_ context.Context, scope domain.LeadScope) ([]domain.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Lead
	for _, l := range sortedValues(r.s.leads, func(a, b *domain.Lead) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}) {
		if scope.Covers(l) {
			out = append(out, copyLead(l))
		}
	}
	return out, nil
}

func (r *CRM) ListTags(_ context.Context) ([]domain.Tag, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return sortedValues(r.s.tags, func(a, b domain.Tag) bool { return a.Name < b.Name }), nil
}

func (r *CRM) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	cp.Components = slices.Clone(t.Components)
	return &cp, nil
}

// Engagements implements automation.EngagementStore.
type Engagements struct{ s *Store }

var _ automation.EngagementStore = (*Engagements)(nil)

func (r *Engagements) RecordEngagement(_ context.Context, e *domain.Engagement) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.engagements = append(r.s.engagements, *e)
	return nil
}

func (r *Engagements) HasEngagement(_ context.Context, leadID, campaignID string, kind domain.EngagementKind, since time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.engagements {
		if e.LeadID == leadID && e.CampaignID == campaignID && e.Kind == kind && !e.OccurredAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}
