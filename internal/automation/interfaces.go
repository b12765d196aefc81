package automation

import (
	"context"
	"time"

	"github.com/rxfield/crm/internal/domain"
)

// CampaignStore is the slice of the campaign repository the engine needs.
type CampaignStore interface {
	// Get returns a campaign or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// ListByStatus returns every campaign currently in status.
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)

	// UpdateStatus moves the campaign to `to` only if its current status is
	// one of from. Returns domain.ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// ApplyMetrics adds delta to the counters atomically and returns the result.
	ApplyMetrics(ctx context.Context, id string, delta domain.MetricsDelta) (domain.Metrics, error)
}

// EnrollmentStore persists enrollments.
type EnrollmentStore interface {
	// Create inserts an enrollment. Returns domain.ErrAlreadyEnrolled when the
	// lead already has one for the campaign.
	Create(ctx context.Context, e *domain.Enrollment) error

	Get(ctx context.Context, id string) (*domain.Enrollment, error)

	List(ctx context.Context, f EnrollmentFilter) ([]domain.Enrollment, error)

	// RecordStep appends blockID to PathTaken and, when nextBlockID is not
	// empty, makes it the current block.
	RecordStep(ctx context.Context, id, blockID, nextBlockID string) error

	// Finish moves an active enrollment to status. Reports false when the
	// enrollment was no longer active.
	Finish(ctx context.Context, id string, status domain.EnrollmentStatus, at time.Time) (bool, error)
}

// EnrollmentFilter narrows enrollment listings. Zero fields do not filter.
type EnrollmentFilter struct {
	CampaignID string
	LeadID     string
	Status     domain.EnrollmentStatus
	Limit      int
	Offset     int
}

// ExecutionStore is the durable queue behind the Scheduler.
type ExecutionStore interface {
	// Create inserts a pending execution. Returns domain.ErrDuplicateExecution
	// when a pending or executing row exists for the same enrollment and block.
	Create(ctx context.Context, e *domain.Execution) error

	Get(ctx context.Context, id string) (*domain.Execution, error)

	List(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error)

	// ClaimDue atomically flips up to limit due pending executions of active
	// campaigns to executing and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error)

	// Finish records a terminal status for an executing execution. Returns
	// domain.ErrInvalidTransition if it is not executing.
	Finish(ctx context.Context, id string, status domain.ExecutionStatus, result *domain.ExecutionResult, errMsg string, at time.Time) error

	// Defer returns an executing execution to pending at until.
	Defer(ctx context.Context, id string, until time.Time) error

	// CancelPending cancels pending executions matching f and returns how many.
	CancelPending(ctx context.Context, f ExecutionFilter) (int, error)

	// CountOpen counts pending and executing executions matching f.
	CountOpen(ctx context.Context, f ExecutionFilter) (int, error)

	// FailStale fails executing rows claimed before cutoff.
	FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// ExecutionFilter narrows execution queries. Zero fields do not filter.
type ExecutionFilter struct {
	CampaignID   string
	EnrollmentID string
	BlockID      string
	Status       domain.ExecutionStatus
	Limit        int
	Offset       int
}

// LeadStore is the CRM lead collaborator.
type LeadStore interface {
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	UpdateTags(ctx context.Context, id string, tags []string) error
	ListVisibleLeads(ctx context.Context, scope domain.LeadScope) ([]domain.Lead, error)
}

// TemplateStore resolves WhatsApp templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
}

// TagStore lists CRM tags. Read-only from the engine's perspective.
type TagStore interface {
	ListTags(ctx context.Context) ([]domain.Tag, error)
}

// EngagementStore records and answers questions about lead reactions.
type EngagementStore interface {
	HasEngagement(ctx context.Context, leadID, campaignID string, kind domain.EngagementKind, since time.Time) (bool, error)
	RecordEngagement(ctx context.Context, e *domain.Engagement) error
}

// EmailTransport delivers rendered email.
type EmailTransport interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) (messageID string, err error)
}

// MessagingTransport delivers WhatsApp text.
type MessagingTransport interface {
	SendMessage(ctx context.Context, phoneNumber, text, leadID string) (messageID string, err error)
}

// Renderer personalizes message content for a lead.
type Renderer interface {
	Render(cacheKey, source string, vars map[string]any) (string, error)
}
