package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/logger"
)

// Caller identifies who is acting. Non-admin callers only see campaigns
// they own.
type Caller struct {
	UserID string
	Admin  bool
}

func (c Caller) owns(camp *domain.Campaign) bool {
	return c.Admin || camp.OwnerID == c.UserID
}

// Enroller is the part of the enrollment manager the lifecycle needs.
// *automation.Enroller satisfies it.
type Enroller interface {
	Activate(ctx context.Context, campaignID string) (automation.ActivationResult, error)
	Unenroll(ctx context.Context, enrollmentID string) error
	Drain(ctx context.Context, campaignID string) (int, error)
}

// Operations are engine actions exposed to operators. *automation.Engine
// satisfies it.
type Operations interface {
	Retry(ctx context.Context, executionID string) (*domain.Execution, error)
	RecordEngagement(ctx context.Context, eng domain.Engagement) (*domain.Engagement, error)
}

// Service implements the campaign lifecycle on top of the repository and
// the automation engine. All methods are safe for concurrent use if the
// underlying stores are.
type Service struct {
	repo        Repository
	enrollments automation.EnrollmentStore
	executions  automation.ExecutionStore
	enroller    Enroller
	ops         Operations
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates a campaign service.
func NewService(repo Repository, enrollments automation.EnrollmentStore, executions automation.ExecutionStore, enroller Enroller, ops Operations) *Service {
	return &Service{
		repo:        repo,
		enrollments: enrollments,
		executions:  executions,
		enroller:    enroller,
		ops:         ops,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
	}
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string               `json:"name" validate:"required,max=200"`
	Description string               `json:"description" validate:"max=2000"`
	Targeting   domain.TargetingRule `json:"targeting"`
	Blocks      []domain.Block       `json:"blocks"`
	Connections []domain.Connection  `json:"connections"`
}

// Create validates and persists a new campaign in draft status. The graph
// may be incomplete but whatever is there must be well formed.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (*domain.Campaign, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	def := Definition{Targeting: in.Targeting, Blocks: in.Blocks, Connections: in.Connections}
	if err := checkDefinition(&def); err != nil {
		return nil, err
	}

	c := &domain.Campaign{
		ID:           uuid.New().String(),
		Name:         in.Name,
		Description:  in.Description,
		OwnerID:      caller.UserID,
		OwnerIsAdmin: caller.Admin,
		Status:       domain.CampaignDraft,
		Targeting:    def.Targeting,
		Blocks:       def.Blocks,
		Connections:  def.Connections,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logger.Info("campaign created", "component", "campaign", "campaign_id", c.ID, "owner_id", c.OwnerID)
	return c, nil
}

// Get returns a single campaign the caller can see.
func (s *Service) Get(ctx context.Context, caller Caller, id string) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.owns(c) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// List returns campaigns matching the filter. Non-admins only get their own.
func (s *Service) List(ctx context.Context, caller Caller, f ListFilter) ([]domain.Campaign, int, error) {
	if !caller.Admin {
		f.OwnerID = caller.UserID
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}

// UpdateDefinition replaces the graph and targeting of a draft or paused
// campaign. While paused, a block that still has queued or running work
// cannot be removed.
func (s *Service) UpdateDefinition(ctx context.Context, caller Caller, id string, def Definition) (*domain.Campaign, error) {
	c, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !c.IsEditable() {
		return nil, fmt.Errorf("%w: campaign is %s", ErrNotEditable, c.Status)
	}
	if err := checkDefinition(&def); err != nil {
		return nil, err
	}

	if c.Status == domain.CampaignPaused {
		for _, b := range c.Blocks {
			if slices.ContainsFunc(def.Blocks, func(nb domain.Block) bool { return nb.ID == b.ID }) {
				continue
			}
			n, err := s.executions.CountOpen(ctx, automation.ExecutionFilter{CampaignID: id, BlockID: b.ID})
			if err != nil {
				return nil, fmt.Errorf("count executions of block %s: %w", b.ID, err)
			}
			if n > 0 {
				return nil, fmt.Errorf("%w: %s (%d open)", ErrBlockInUse, b.ID, n)
			}
		}
	}

	if err := s.repo.UpdateDefinition(ctx, id, def); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotEditable, err)
		}
		return nil, err
	}
	logger.Info("campaign definition updated",
		"component", "campaign", "campaign_id", id, "blocks", len(def.Blocks), "connections", len(def.Connections))
	return s.repo.Get(ctx, id)
}

// Activate enrolls the targeted leads and starts the campaign.
func (s *Service) Activate(ctx context.Context, caller Caller, id string) (automation.ActivationResult, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return automation.ActivationResult{}, err
	}
	return s.enroller.Activate(ctx, id)
}

// Pause stops new executions from being claimed. Work already running
// completes.
func (s *Service) Pause(ctx context.Context, caller Caller, id string) error {
	return s.transition(ctx, caller, id, []domain.CampaignStatus{domain.CampaignActive}, domain.CampaignPaused)
}

// Resume lets a paused campaign run again.
func (s *Service) Resume(ctx context.Context, caller Caller, id string) error {
	return s.transition(ctx, caller, id, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignActive)
}

// Complete ends the campaign by hand. Pending executions are cancelled and
// leads still in flight are removed. Returns how many were removed.
func (s *Service) Complete(ctx context.Context, caller Caller, id string) (int, error) {
	err := s.transition(ctx, caller, id,
		[]domain.CampaignStatus{domain.CampaignActive, domain.CampaignPaused}, domain.CampaignCompleted)
	if err != nil {
		return 0, err
	}
	n, err := s.enroller.Drain(ctx, id)
	if err != nil {
		return n, fmt.Errorf("drain campaign %s: %w", id, err)
	}
	return n, nil
}

func (s *Service) transition(ctx context.Context, caller Caller, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, id, from, to); err != nil {
		return err
	}
	logger.Info("campaign status changed", "component", "campaign", "campaign_id", id, "status", string(to))
	return nil
}

// Delete removes a campaign that is not active, with its enrollments and
// executions.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) error {
	c, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignActive {
		return ErrActiveCampaign
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return ErrActiveCampaign
		}
		return err
	}
	logger.Info("campaign deleted", "component", "campaign", "campaign_id", id)
	return nil
}

// ListEnrollments lists the enrollments of a campaign.
func (s *Service) ListEnrollments(ctx context.Context, caller Caller, campaignID string, f automation.EnrollmentFilter) ([]domain.Enrollment, error) {
	if _, err := s.Get(ctx, caller, campaignID); err != nil {
		return nil, err
	}
	f.CampaignID = campaignID
	return s.enrollments.List(ctx, f)
}

// ListExecutions lists the executions of a campaign.
func (s *Service) ListExecutions(ctx context.Context, caller Caller, campaignID string, f automation.ExecutionFilter) ([]domain.Execution, error) {
	if _, err := s.Get(ctx, caller, campaignID); err != nil {
		return nil, err
	}
	f.CampaignID = campaignID
	return s.executions.List(ctx, f)
}

// Unenroll removes one lead from its campaign.
func (s *Service) Unenroll(ctx context.Context, caller Caller, enrollmentID string) error {
	e, err := s.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if _, err := s.Get(ctx, caller, e.CampaignID); err != nil {
		return err
	}
	return s.enroller.Unenroll(ctx, enrollmentID)
}

// RetryExecution queues a new attempt of a failed execution.
func (s *Service) RetryExecution(ctx context.Context, caller Caller, executionID string) (*domain.Execution, error) {
	ex, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, caller, ex.CampaignID); err != nil {
		return nil, err
	}
	retry, err := s.ops.Retry(ctx, executionID)
	if err != nil {
		return nil, err
	}
	logger.Info("execution retried",
		"component", "campaign", "execution_id", executionID, "retry_id", retry.ID, "attempt", retry.Attempt)
	return retry, nil
}

// RecordEngagement stores a normalized open, click or reply event.
func (s *Service) RecordEngagement(ctx context.Context, eng domain.Engagement) (*domain.Engagement, error) {
	return s.ops.RecordEngagement(ctx, eng)
}

// checkDefinition fills in the default targeting type and validates the
// graph and the rule.
func checkDefinition(d *Definition) error {
	if d.Targeting.Type == "" {
		d.Targeting.Type = domain.TargetAll
	}
	if d.Blocks == nil {
		d.Blocks = []domain.Block{}
	}
	if d.Connections == nil {
		d.Connections = []domain.Connection{}
	}
	if err := d.Targeting.Validate(); err != nil {
		return err
	}
	return domain.ValidateDefinition(d.Blocks, d.Connections)
}
