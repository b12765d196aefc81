package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/httputil"
	"github.com/rxfield/crm/internal/pkg/logger"
	"github.com/rxfield/crm/internal/service/campaign"
)

// CampaignService is the lifecycle surface the handlers drive.
// *campaign.Service satisfies it.
type CampaignService interface {
	Create(ctx context.Context, caller campaign.Caller, in campaign.CreateInput) (*domain.Campaign, error)
	Get(ctx context.Context, caller campaign.Caller, id string) (*domain.Campaign, error)
	List(ctx context.Context, caller campaign.Caller, f campaign.ListFilter) ([]domain.Campaign, int, error)
	UpdateDefinition(ctx context.Context, caller campaign.Caller, id string, def campaign.Definition) (*domain.Campaign, error)
	Activate(ctx context.Context, caller campaign.Caller, id string) (automation.ActivationResult, error)
	Pause(ctx context.Context, caller campaign.Caller, id string) error
	Resume(ctx context.Context, caller campaign.Caller, id string) error
	Complete(ctx context.Context, caller campaign.Caller, id string) (int, error)
	Delete(ctx context.Context, caller campaign.Caller, id string) error
	ListEnrollments(ctx context.Context, caller campaign.Caller, campaignID string, f automation.EnrollmentFilter) ([]domain.Enrollment, error)
	ListExecutions(ctx context.Context, caller campaign.Caller, campaignID string, f automation.ExecutionFilter) ([]domain.Execution, error)
	Unenroll(ctx context.Context, caller campaign.Caller, enrollmentID string) error
	RetryExecution(ctx context.Context, caller campaign.Caller, executionID string) (*domain.Execution, error)
	RecordEngagement(ctx context.Context, eng domain.Engagement) (*domain.Engagement, error)
}

// LeadEnroller auto-enrolls newly created leads. *automation.Enroller
// satisfies it.
type LeadEnroller interface {
	OnLeadCreated(ctx context.Context, lead *domain.Lead) (int, error)
}

// Handlers serves the campaign admin API.
type Handlers struct {
	campaigns CampaignService
	leads     automation.LeadStore
	enroller  LeadEnroller
	health    *HealthChecker
}

// NewHandlers creates the API handlers.
func NewHandlers(campaigns CampaignService, leads automation.LeadStore, enroller LeadEnroller, health *HealthChecker) *Handlers {
	if health == nil {
		health = NewHealthChecker(nil, nil, nil, 0)
	}
	return &Handlers{campaigns: campaigns, leads: leads, enroller: enroller, health: health}
}

func caller(r *http.Request) campaign.Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

// ListCampaigns handles GET /api/v1/campaigns?status=&search=&page=&limit=
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 50, 200)
	status := domain.CampaignStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.CampaignDraft, domain.CampaignActive, domain.CampaignPaused, domain.CampaignCompleted:
	default:
		httputil.BadRequest(w, r, "unknown status "+string(status))
		return
	}

	list, total, err := h.campaigns.List(r.Context(), caller(r), campaign.ListFilter{
		Status: status,
		Search: r.URL.Query().Get("search"),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, NewPaginatedResponse(list, p, int64(total)))
}

// CreateCampaign handles POST /api/v1/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), caller(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /api/v1/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateDefinition handles PUT /api/v1/campaigns/{id}/definition
func (h *Handlers) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	var def campaign.Definition
	if !httputil.Decode(w, r, &def) {
		return
	}
	c, err := h.campaigns.UpdateDefinition(r.Context(), caller(r), chi.URLParam(r, "id"), def)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, c)
}

// ActivateCampaign handles POST /api/v1/campaigns/{id}/activate
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.campaigns.Activate(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, res)
}

// PauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.campaigns.Pause)
}

// ResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.statusChange(w, r, h.campaigns.Resume)
}

func (h *Handlers) statusChange(w http.ResponseWriter, r *http.Request, fn func(context.Context, campaign.Caller, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), caller(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCampaign(w, r, id)
}

// CompleteCampaign handles POST /api/v1/campaigns/{id}/complete
func (h *Handlers) CompleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.campaigns.Complete(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.campaigns.Get(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign": c, "removed": removed})
}

func (h *Handlers) respondCampaign(w http.ResponseWriter, r *http.Request, id string) {
	c, err := h.campaigns.Get(r.Context(), caller(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, c)
}

// DeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// ListEnrollments handles GET /api/v1/campaigns/{id}/enrollments?status=
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 100, 500)
	status := domain.EnrollmentStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.EnrollmentActive, domain.EnrollmentCompleted, domain.EnrollmentRemoved:
	default:
		httputil.BadRequest(w, r, "unknown status "+string(status))
		return
	}
	rows, err := h.campaigns.ListEnrollments(r.Context(), caller(r), chi.URLParam(r, "id"), automation.EnrollmentFilter{
		LeadID: r.URL.Query().Get("lead_id"),
		Status: status,
		Limit:  p.Limit + 1,
		Offset: p.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, pageOf(rows, p))
}

// ListExecutions handles GET /api/v1/campaigns/{id}/executions?status=&enrollment_id=&block_id=
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r, 100, 500)
	status := domain.ExecutionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.ExecutionPending, domain.ExecutionExecuting, domain.ExecutionCompleted,
		domain.ExecutionFailed, domain.ExecutionCancelled:
	default:
		httputil.BadRequest(w, r, "unknown status "+string(status))
		return
	}
	rows, err := h.campaigns.ListExecutions(r.Context(), caller(r), chi.URLParam(r, "id"), automation.ExecutionFilter{
		EnrollmentID: r.URL.Query().Get("enrollment_id"),
		BlockID:      r.URL.Query().Get("block_id"),
		Status:       status,
		Limit:        p.Limit + 1,
		Offset:       p.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.OK(w, pageOf(rows, p))
}

// Unenroll handles DELETE /api/v1/enrollments/{id}
func (h *Handlers) Unenroll(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Unenroll(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// RetryExecution handles POST /api/v1/executions/{id}/retry
func (h *Handlers) RetryExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := h.campaigns.RetryExecution(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.Created(w, ex)
}

// RecordEngagement handles POST /api/v1/engagements
func (h *Handlers) RecordEngagement(w http.ResponseWriter, r *http.Request) {
	var eng domain.Engagement
	if !httputil.Decode(w, r, &eng) {
		return
	}
	// The caller must be able to see the campaign.
	if _, err := h.campaigns.Get(r.Context(), caller(r), eng.CampaignID); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.campaigns.RecordEngagement(r.Context(), eng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.Created(w, out)
}

// AutoEnrollLead handles POST /api/v1/leads/{id}/auto-enroll. The CRM calls
// it after creating a lead.
func (h *Handlers) AutoEnrollLead(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	lead, err := h.leads.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !c.Admin && lead.AssignedTo != c.UserID {
		httputil.NotFound(w, r, "lead not found")
		return
	}
	n, err := h.enroller.OnLeadCreated(r.Context(), lead)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Info("lead auto-enrolled", "component", "api", "lead_id", lead.ID, "campaigns", n)
	httputil.OK(w, map[string]int{"enrolled": n})
}

// writeError maps domain and service errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httputil.NotFound(w, r, err.Error())
	case errors.Is(err, campaign.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, automation.ErrInvalidEngagement),
		errors.Is(err, automation.ErrScheduleInPast):
		httputil.BadRequest(w, r, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrActiveCampaign),
		errors.Is(err, campaign.ErrBlockInUse),
		errors.Is(err, automation.ErrEmptyCampaign),
		errors.Is(err, automation.ErrCampaignNotActive),
		errors.Is(err, automation.ErrNotRetryable),
		errors.Is(err, automation.ErrEnrollmentInactive),
		errors.Is(err, domain.ErrAlreadyEnrolled),
		errors.Is(err, domain.ErrDuplicateExecution):
		httputil.Conflict(w, r, err.Error())
	default:
		httputil.InternalError(w, r, err)
	}
}

func notFound(w http.ResponseWriter, r *http.Request, detail string) {
	httputil.NotFound(w, r, detail)
}
