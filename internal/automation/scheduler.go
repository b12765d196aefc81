package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rxfield/crm/internal/domain"
)

const (
	// DefaultBatchSize bounds how many executions one sweep claims.
	DefaultBatchSize = 50

	// scheduleSkew tolerates clock drift between callers computing "now".
	scheduleSkew = time.Second
)

// ScheduleRequest names the step to run and when.
type ScheduleRequest struct {
	CampaignID   string
	EnrollmentID string
	LeadID       string
	BlockID      string
	ScheduledFor time.Time
	Attempt      int
}

// Scheduler is the durable queue of per-lead, per-block executions. It owns
// every status change of an execution.
type Scheduler struct {
	executions ExecutionStore
	now        func() time.Time
}

// NewScheduler creates a scheduler over the given execution store.
func NewScheduler(executions ExecutionStore) *Scheduler {
	return &Scheduler{executions: executions, now: time.Now}
}

// Schedule creates a pending execution. It refuses times in the past and
// returns domain.ErrDuplicateExecution if the step is already queued or running.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*domain.Execution, error) {
	now := s.now()
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = now
	}
	if req.ScheduledFor.Before(now.Add(-scheduleSkew)) {
		return nil, fmt.Errorf("%w: block %s at %s", ErrScheduleInPast, req.BlockID, req.ScheduledFor.Format(time.RFC3339))
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}

	exec := &domain.Execution{
		ID:           uuid.New().String(),
		CampaignID:   req.CampaignID,
		EnrollmentID: req.EnrollmentID,
		LeadID:       req.LeadID,
		BlockID:      req.BlockID,
		Status:       domain.ExecutionPending,
		Attempt:      req.Attempt,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    now,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// PullDue claims up to limit due executions, flipping them to executing
// before returning so a concurrent sweep cannot take them too.
func (s *Scheduler) PullDue(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	claimed, err := s.executions.ClaimDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due executions: %w", err)
	}
	return claimed, nil
}

// Complete records a successful run.
func (s *Scheduler) Complete(ctx context.Context, exec *domain.Execution, result domain.ExecutionResult) error {
	at := s.now()
	if err := s.executions.Finish(ctx, exec.ID, domain.ExecutionCompleted, &result, "", at); err != nil {
		return fmt.Errorf("complete execution %s: %w", exec.ID, err)
	}
	exec.Status = domain.ExecutionCompleted
	exec.Result = &result
	exec.ExecutedAt = &at
	return nil
}

// Fail records a terminal failure. Failed executions are never re-delivered.
func (s *Scheduler) Fail(ctx context.Context, exec *domain.Execution, reason string) error {
	at := s.now()
	if err := s.executions.Finish(ctx, exec.ID, domain.ExecutionFailed, nil, reason, at); err != nil {
		return fmt.Errorf("fail execution %s: %w", exec.ID, err)
	}
	exec.Status = domain.ExecutionFailed
	exec.Error = reason
	exec.ExecutedAt = &at
	return nil
}

// Cancel ends a claimed execution without running it.
func (s *Scheduler) Cancel(ctx context.Context, exec *domain.Execution, reason string) error {
	at := s.now()
	if err := s.executions.Finish(ctx, exec.ID, domain.ExecutionCancelled, nil, reason, at); err != nil {
		return fmt.Errorf("cancel execution %s: %w", exec.ID, err)
	}
	exec.Status = domain.ExecutionCancelled
	exec.Error = reason
	exec.ExecutedAt = &at
	return nil
}

// Defer puts a claimed execution back in the queue for a later attempt at
// the same step. No second execution is created.
func (s *Scheduler) Defer(ctx context.Context, exec *domain.Execution, until time.Time) error {
	if until.Before(s.now()) {
		until = s.now()
	}
	if err := s.executions.Defer(ctx, exec.ID, until); err != nil {
		return fmt.Errorf("defer execution %s: %w", exec.ID, err)
	}
	exec.Status = domain.ExecutionPending
	exec.ScheduledFor = until
	exec.ClaimedAt = nil
	return nil
}

// Retry queues a fresh attempt of a failed execution.
func (s *Scheduler) Retry(ctx context.Context, failed *domain.Execution) (*domain.Execution, error) {
	if failed.Status != domain.ExecutionFailed {
		return nil, ErrNotRetryable
	}
	return s.Schedule(ctx, ScheduleRequest{
		CampaignID:   failed.CampaignID,
		EnrollmentID: failed.EnrollmentID,
		LeadID:       failed.LeadID,
		BlockID:      failed.BlockID,
		ScheduledFor: s.now(),
		Attempt:      failed.Attempt + 1,
	})
}
