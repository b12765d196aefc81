package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// Executions implements automation.ExecutionStore.
type Executions struct{ s *Store }

var _ automation.ExecutionStore = (*Executions)(nil)

func matchExecution(e *domain.Execution, f automation.ExecutionFilter) bool {
	return (f.CampaignID == "" || e.CampaignID == f.CampaignID) &&
		(f.EnrollmentID == "" || e.EnrollmentID == f.EnrollmentID) &&
		(f.BlockID == "" || e.BlockID == f.BlockID) &&
		(f.Status == "" || e.Status == f.Status)
}

func (r *Executions) Create(_ context.Context, e *domain.Execution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.executions {
		if x.EnrollmentID == e.EnrollmentID && x.BlockID == e.BlockID && !x.Status.IsTerminal() {
			return fmt.Errorf("block %s: %w", e.BlockID, domain.ErrDuplicateExecution)
		}
	}
	cp := copyExecution(e)
	r.s.executions[e.ID] = &cp
	r.s.seq++
	r.s.execSeq[e.ID] = r.s.seq
	return nil
}

func (r *Executions) Get(_ context.Context, id string) (*domain.Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	cp := copyExecution(e)
	return &cp, nil
}

func (r *Executions) List(_ context.Context, f automation.ExecutionFilter) ([]domain.Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Execution
	for _, e := range r.ordered() {
		if matchExecution(e, f) {
			out = append(out, copyExecution(e))
		}
	}
	return page(out, f.Limit, f.Offset), nil
}

// ordered returns executions by ScheduledFor, then CreatedAt, then
// insertion order.
func (r *Executions) ordered() []*domain.Execution {
	return sortedValues(r.s.executions, func(a, b *domain.Execution) bool {
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return r.s.execSeq[a.ID] < r.s.execSeq[b.ID]
	})
}

func (r *Executions) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Execution
	for _, e := range r.ordered() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Status != domain.ExecutionPending || e.ScheduledFor.After(now) {
			continue
		}
		if c, ok := r.s.campaigns[e.CampaignID]; !ok || c.Status != domain.CampaignActive {
			continue
		}
		claimed := now
		e.Status = domain.ExecutionExecuting
		e.ClaimedAt = &claimed
		out = append(out, copyExecution(e))
	}
	return out, nil
}

func (r *Executions) Finish(_ context.Context, id string, status domain.ExecutionStatus, result *domain.ExecutionResult, errMsg string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.ExecutionExecuting {
		return fmt.Errorf("%w: execution is %s", domain.ErrInvalidTransition, e.Status)
	}
	e.Status = status
	e.ExecutedAt = &at
	e.Error = errMsg
	if result != nil {
		res := *result
		e.Result = &res
	}
	return nil
}

func (r *Executions) Defer(_ context.Context, id string, until time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if e.Status != domain.ExecutionExecuting {
		return fmt.Errorf("%w: execution is %s", domain.ErrInvalidTransition, e.Status)
	}
	e.Status = domain.ExecutionPending
	e.ScheduledFor = until
	e.ClaimedAt = nil
	return nil
}

func (r *Executions) CancelPending(_ context.Context, f automation.ExecutionFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f.Status = domain.ExecutionPending
	var n int
	for _, e := range r.s.executions {
		if matchExecution(e, f) {
			e.Status = domain.ExecutionCancelled
			n++
		}
	}
	return n, nil
}

func (r *Executions) CountOpen(_ context.Context, f automation.ExecutionFilter) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f.Status = ""
	var n int
	for _, e := range r.s.executions {
		if !e.Status.IsTerminal() && matchExecution(e, f) {
			n++
		}
	}
	return n, nil
}

func (r *Executions) FailStale(_ context.Context, cutoff time.Time, reason string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	var n int
	for _, e := range r.s.executions {
		if e.Status == domain.ExecutionExecuting && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = domain.ExecutionFailed
			e.Error = reason
			e.ExecutedAt = &now
			n++
		}
	}
	return n, nil
}
