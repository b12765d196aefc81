package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// Enrollments implements automation.EnrollmentStore.
type Enrollments struct{ s *Store }

var _ automation.EnrollmentStore = (*Enrollments)(nil)

func (r *Enrollments) Create(_ context.Context, e *domain.Enrollment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.enrollments {
		if x.CampaignID == e.CampaignID && x.LeadID == e.LeadID {
			return fmt.Errorf("lead %s: %w", e.LeadID, domain.ErrAlreadyEnrolled)
		}
	}
	cp := copyEnrollment(e)
	r.s.enrollments[e.ID] = &cp
	return nil
}

func (r *Enrollments) Get(_ context.Context, id string) (*domain.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	cp := copyEnrollment(e)
	return &cp, nil
}

func (r *Enrollments) List(_ context.Context, f automation.EnrollmentFilter) ([]domain.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range sortedValues(r.s.enrollments, func(a, b *domain.Enrollment) bool { return a.EnrolledAt.Before(b.EnrolledAt) }) {
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.LeadID != "" && e.LeadID != f.LeadID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, copyEnrollment(e))
	}
	return page(out, f.Limit, f.Offset), nil
}

func (r *Enrollments) RecordStep(_ context.Context, id, blockID, nextBlockID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	e.PathTaken = append(e.PathTaken, blockID)
	if nextBlockID != "" {
		e.CurrentBlockID = nextBlockID
	}
	e.UpdatedAt = r.s.now()
	return nil
}

func (r *Enrollments) Finish(_ context.Context, id string, status domain.EnrollmentStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return false, fmt.Errorf("enrollment %s: %w", id, domain.ErrNotFound)
	}
	if !e.IsActive() {
		return false, nil
	}
	e.Status = status
	e.CompletedAt = &at
	e.UpdatedAt = at
	return true, nil
}
