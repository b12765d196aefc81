package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/logger"
)

// ActivationResult summarizes a campaign activation.
type ActivationResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
}

// Enroller places leads into campaigns and takes them out again.
type Enroller struct {
	campaigns   CampaignStore
	enrollments EnrollmentStore
	executions  ExecutionStore
	leads       LeadStore
	scheduler   *Scheduler
	now         func() time.Time
}

// NewEnroller wires an Enroller.
func NewEnroller(campaigns CampaignStore, enrollments EnrollmentStore, executions ExecutionStore, leads LeadStore, scheduler *Scheduler) *Enroller {
	return &Enroller{
		campaigns:   campaigns,
		enrollments: enrollments,
		executions:  executions,
		leads:       leads,
		scheduler:   scheduler,
		now:         time.Now,
	}
}

// Activate enrolls every targeted lead of a draft campaign, schedules each
// lead's entry block for now and flips the campaign to active. The status
// change happens last so no sweep runs an entry block before the lead set is
// in place. A lead that fails to enroll is logged and skipped.
func (en *Enroller) Activate(ctx context.Context, campaignID string) (ActivationResult, error) {
	var res ActivationResult

	c, err := en.campaigns.Get(ctx, campaignID)
	if err != nil {
		return res, err
	}
	if c.Status != domain.CampaignDraft {
		return res, fmt.Errorf("%w: cannot activate %s campaign", domain.ErrInvalidTransition, c.Status)
	}
	entry, ok := c.EntryBlock()
	if !ok {
		return res, fmt.Errorf("%w: %w", domain.ErrInvalidDefinition, ErrEmptyCampaign)
	}
	if err := domain.ValidateDefinition(c.Blocks, c.Connections); err != nil {
		return res, err
	}
	if err := c.Targeting.Validate(); err != nil {
		return res, err
	}

	leads, err := en.leads.ListVisibleLeads(ctx, c.Scope())
	if err != nil {
		return res, fmt.Errorf("list leads for campaign %s: %w", c.ID, err)
	}

	for i := range leads {
		lead := &leads[i]
		if !c.Targeting.Matches(lead) {
			continue
		}
		if _, err := en.enroll(ctx, c, entry, lead.ID); err != nil {
			res.Skipped++
			logger.Warn("enrollment skipped",
				"component", "enroller", "campaign_id", c.ID, "lead_id", lead.ID, "error", err.Error())
			continue
		}
		res.Enrolled++
	}

	if res.Enrolled > 0 {
		if _, err := en.campaigns.ApplyMetrics(ctx, c.ID, domain.MetricsDelta{Enrolled: res.Enrolled, Active: res.Enrolled}); err != nil {
			return res, fmt.Errorf("record enrollment metrics: %w", err)
		}
	}
	if err := en.campaigns.UpdateStatus(ctx, c.ID, []domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignActive); err != nil {
		return res, err
	}

	logger.Info("campaign activated",
		"component", "enroller", "campaign_id", c.ID, "enrolled", res.Enrolled, "skipped", res.Skipped)
	return res, nil
}

// EnrollLead adds a single lead to an active campaign. The lead must be
// inside the owner's scope. Returns domain.ErrAlreadyEnrolled when the lead
// has been enrolled before.
func (en *Enroller) EnrollLead(ctx context.Context, campaignID, leadID string) (*domain.Enrollment, error) {
	c, err := en.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignActive {
		return nil, ErrCampaignNotActive
	}
	lead, err := en.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("get lead %s: %w", leadID, err)
	}
	if !c.Scope().Covers(lead) {
		return nil, fmt.Errorf("lead %s: %w", leadID, domain.ErrNotFound)
	}
	entry, ok := c.EntryBlock()
	if !ok {
		return nil, ErrEmptyCampaign
	}

	e, err := en.enroll(ctx, c, entry, lead.ID)
	if err != nil {
		return nil, err
	}
	if _, err := en.campaigns.ApplyMetrics(ctx, c.ID, domain.MetricsDelta{Enrolled: 1, Active: 1}); err != nil {
		return nil, fmt.Errorf("record enrollment metrics: %w", err)
	}
	return e, nil
}

// OnLeadCreated enrolls a new lead into every active campaign that opted in
// to auto-enrollment and whose targeting and owner scope cover the lead.
func (en *Enroller) OnLeadCreated(ctx context.Context, lead *domain.Lead) (int, error) {
	active, err := en.campaigns.ListByStatus(ctx, domain.CampaignActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	var n int
	for i := range active {
		c := &active[i]
		if !c.Targeting.AutoEnrollNew || !c.Scope().Covers(lead) || !c.Targeting.Matches(lead) {
			continue
		}
		if _, err := en.EnrollLead(ctx, c.ID, lead.ID); err != nil {
			if !errors.Is(err, domain.ErrAlreadyEnrolled) {
				logger.Warn("auto-enrollment failed",
					"component", "enroller", "campaign_id", c.ID, "lead_id", lead.ID, "error", err.Error())
			}
			continue
		}
		n++
	}
	return n, nil
}

// Unenroll removes a lead from its campaign. Pending executions are
// cancelled before the enrollment is marked removed; one already executing
// runs to completion but schedules nothing.
func (en *Enroller) Unenroll(ctx context.Context, enrollmentID string) error {
	e, err := en.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if !e.IsActive() {
		return ErrEnrollmentInactive
	}
	if _, err := en.executions.CancelPending(ctx, ExecutionFilter{EnrollmentID: e.ID}); err != nil {
		return fmt.Errorf("cancel executions of enrollment %s: %w", e.ID, err)
	}
	changed, err := en.enrollments.Finish(ctx, e.ID, domain.EnrollmentRemoved, en.now())
	if err != nil {
		return fmt.Errorf("remove enrollment %s: %w", e.ID, err)
	}
	if !changed {
		return ErrEnrollmentInactive
	}
	if _, err := en.campaigns.ApplyMetrics(ctx, e.CampaignID, domain.MetricsDelta{Active: -1}); err != nil {
		return fmt.Errorf("record unenroll metrics: %w", err)
	}
	logger.Info("lead unenrolled",
		"component", "enroller", "campaign_id", e.CampaignID, "enrollment_id", e.ID)
	return nil
}

// Drain removes every active enrollment of a campaign and cancels its
// pending executions. Used when a campaign is completed by hand.
func (en *Enroller) Drain(ctx context.Context, campaignID string) (int, error) {
	active, err := en.enrollments.List(ctx, EnrollmentFilter{CampaignID: campaignID, Status: domain.EnrollmentActive})
	if err != nil {
		return 0, fmt.Errorf("list active enrollments: %w", err)
	}
	now := en.now()
	var removed int
	for _, e := range active {
		changed, err := en.enrollments.Finish(ctx, e.ID, domain.EnrollmentRemoved, now)
		if err != nil {
			return removed, fmt.Errorf("remove enrollment %s: %w", e.ID, err)
		}
		if changed {
			removed++
		}
	}
	if _, err := en.executions.CancelPending(ctx, ExecutionFilter{CampaignID: campaignID}); err != nil {
		return removed, fmt.Errorf("cancel executions of campaign %s: %w", campaignID, err)
	}
	if removed > 0 {
		if _, err := en.campaigns.ApplyMetrics(ctx, campaignID, domain.MetricsDelta{Active: -removed}); err != nil {
			return removed, fmt.Errorf("record drain metrics: %w", err)
		}
	}
	return removed, nil
}

// enroll creates the enrollment and its entry execution. If the execution
// cannot be queued the enrollment is marked removed so it does not linger
// as active with nothing to run.
func (en *Enroller) enroll(ctx context.Context, c *domain.Campaign, entry domain.Block, leadID string) (*domain.Enrollment, error) {
	now := en.now()
	e := &domain.Enrollment{
		ID:             uuid.New().String(),
		CampaignID:     c.ID,
		LeadID:         leadID,
		Status:         domain.EnrollmentActive,
		CurrentBlockID: entry.ID,
		PathTaken:      []string{},
		EnrolledAt:     now,
		UpdatedAt:      now,
	}
	if err := en.enrollments.Create(ctx, e); err != nil {
		return nil, err
	}

	_, err := en.scheduler.Schedule(ctx, ScheduleRequest{
		CampaignID:   c.ID,
		EnrollmentID: e.ID,
		LeadID:       leadID,
		BlockID:      entry.ID,
		ScheduledFor: now,
	})
	if err != nil {
		if _, ferr := en.enrollments.Finish(ctx, e.ID, domain.EnrollmentRemoved, now); ferr != nil {
			logger.Error("rollback enrollment failed",
				"component", "enroller", "enrollment_id", e.ID, "error", ferr.Error())
		}
		return nil, fmt.Errorf("schedule entry block: %w", err)
	}
	return e, nil
}
