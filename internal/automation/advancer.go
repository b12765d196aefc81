package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/logger"
)

// Advancer moves an enrollment past a completed block: it schedules the
// successors and completes the enrollment when the path runs out.
type Advancer struct {
	campaigns   CampaignStore
	enrollments EnrollmentStore
	executions  ExecutionStore
	scheduler   *Scheduler
	now         func() time.Time
}

// NewAdvancer wires an Advancer.
func NewAdvancer(campaigns CampaignStore, enrollments EnrollmentStore, executions ExecutionStore, scheduler *Scheduler) *Advancer {
	return &Advancer{
		campaigns:   campaigns,
		enrollments: enrollments,
		executions:  executions,
		scheduler:   scheduler,
		now:         time.Now,
	}
}

// AdvanceFrom is called after exec completed with result. It returns the
// executions it scheduled.
func (a *Advancer) AdvanceFrom(ctx context.Context, g *domain.Graph, exec *domain.Execution, result domain.ExecutionResult) ([]domain.Execution, error) {
	enr, err := a.enrollments.Get(ctx, exec.EnrollmentID)
	if err != nil {
		return nil, fmt.Errorf("get enrollment %s: %w", exec.EnrollmentID, err)
	}
	if !enr.IsActive() {
		logger.Debug("enrollment no longer active, not advancing",
			"component", "advancer", "enrollment_id", enr.ID, "status", string(enr.Status))
		return nil, nil
	}

	block, ok := g.Block(exec.BlockID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, exec.BlockID)
	}
	next := g.Successors(block.ID, result.Outcome)

	var current string
	if len(next) > 0 {
		current = next[0]
	}
	if err := a.enrollments.RecordStep(ctx, enr.ID, block.ID, current); err != nil {
		return nil, fmt.Errorf("record step %s: %w", block.ID, err)
	}

	if len(next) == 0 {
		return nil, a.finishPath(ctx, enr)
	}

	at := a.now()
	if w, ok := block.Data.(*domain.WaitData); ok {
		at = at.Add(w.ToDuration())
	}

	var (
		scheduled []domain.Execution
		errs      []error
	)
	for _, to := range next {
		e, err := a.scheduler.Schedule(ctx, ScheduleRequest{
			CampaignID:   exec.CampaignID,
			EnrollmentID: enr.ID,
			LeadID:       enr.LeadID,
			BlockID:      to,
			ScheduledFor: at,
		})
		if errors.Is(err, domain.ErrDuplicateExecution) {
			logger.Warn("successor already queued",
				"component", "advancer", "enrollment_id", enr.ID, "block_id", to)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", to, err))
			continue
		}
		scheduled = append(scheduled, *e)
	}
	return scheduled, errors.Join(errs...)
}

// finishPath completes the enrollment once no branch of it has work left,
// and completes the campaign when that was its last active enrollment.
func (a *Advancer) finishPath(ctx context.Context, enr *domain.Enrollment) error {
	open, err := a.executions.CountOpen(ctx, ExecutionFilter{EnrollmentID: enr.ID})
	if err != nil {
		return fmt.Errorf("count open executions: %w", err)
	}
	if open > 0 {
		return nil
	}

	changed, err := a.enrollments.Finish(ctx, enr.ID, domain.EnrollmentCompleted, a.now())
	if err != nil {
		return fmt.Errorf("complete enrollment %s: %w", enr.ID, err)
	}
	if !changed {
		return nil
	}
	m, err := a.campaigns.ApplyMetrics(ctx, enr.CampaignID, domain.MetricsDelta{Completed: 1, Active: -1})
	if err != nil {
		return fmt.Errorf("record completion metrics: %w", err)
	}
	logger.Info("enrollment completed",
		"component", "advancer", "campaign_id", enr.CampaignID, "enrollment_id", enr.ID, "active_left", m.Active)

	if m.Active > 0 {
		return nil
	}
	err = a.campaigns.UpdateStatus(ctx, enr.CampaignID, []domain.CampaignStatus{domain.CampaignActive}, domain.CampaignCompleted)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return nil
	case err != nil:
		return fmt.Errorf("auto-complete campaign %s: %w", enr.CampaignID, err)
	}
	logger.Info("campaign completed, no active enrollments left",
		"component", "advancer", "campaign_id", enr.CampaignID)
	return nil
}
