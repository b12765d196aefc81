package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/logger"
)

// DefaultHandlerTimeout bounds a single block handler call.
const DefaultHandlerTimeout = 30 * time.Second

// Step is what running one block produced. A deferred step has no result
// yet and must be re-queued for RetryAt.
type Step struct {
	Result   domain.ExecutionResult
	Deferred bool
	RetryAt  time.Time
	Metrics  domain.MetricsDelta
}

// Collaborators groups the CRM and transport dependencies of the Executor.
type Collaborators struct {
	Leads       LeadStore
	Templates   TemplateStore
	Tags        TagStore
	Engagements EngagementStore
	Email       EmailTransport
	Messaging   MessagingTransport
	Renderer    Renderer
}

// Executor performs the action of a single block for a single lead.
type Executor struct {
	leads       LeadStore
	templates   TemplateStore
	tags        TagStore
	engagements EngagementStore
	email       EmailTransport
	messaging   MessagingTransport
	renderer    Renderer

	timeout time.Duration
	recheck time.Duration
	now     func() time.Time
}

// NewExecutor creates an Executor. Zero durations fall back to defaults.
func NewExecutor(c Collaborators, handlerTimeout, recheckInterval time.Duration) *Executor {
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	if recheckInterval <= 0 {
		recheckInterval = DefaultRecheckInterval
	}
	return &Executor{
		leads:       c.Leads,
		templates:   c.Templates,
		tags:        c.Tags,
		engagements: c.Engagements,
		email:       c.Email,
		messaging:   c.Messaging,
		renderer:    c.Renderer,
		timeout:     handlerTimeout,
		recheck:     recheckInterval,
		now:         time.Now,
	}
}

// Execute runs block b for exec. Any error means the step failed and the
// lead's path stops here.
func (x *Executor) Execute(ctx context.Context, c *domain.Campaign, b domain.Block, exec *domain.Execution) (Step, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	switch d := b.Data.(type) {
	case *domain.WaitData:
		return Step{Result: domain.ExecutionResult{Success: true, Detail: fmt.Sprintf("waited %d %s", d.Duration, d.Unit)}}, nil
	case *domain.SendEmailData:
		return x.sendEmail(ctx, c, b, d, exec)
	case *domain.SendWhatsAppData:
		return x.sendWhatsApp(ctx, d, exec)
	case *domain.AddTagData:
		return x.applyTag(ctx, exec, d.TagID, true)
	case *domain.RemoveTagData:
		return x.applyTag(ctx, exec, d.TagID, false)
	case *domain.ConditionalData, *domain.ABTestData, *domain.LeadConditionData:
		o, err := x.evaluateBranch(ctx, b, exec)
		if err != nil {
			return Step{}, err
		}
		if o.deferred() {
			return Step{Deferred: true, RetryAt: o.RetryAt, Result: domain.ExecutionResult{Detail: o.Detail}}, nil
		}
		return Step{Result: domain.ExecutionResult{Success: true, Outcome: o.Outcome, Detail: o.Detail}}, nil
	}
	return Step{}, fmt.Errorf("%w: no handler for block type %q", domain.ErrInvalidDefinition, b.Type)
}

func (x *Executor) sendEmail(ctx context.Context, c *domain.Campaign, b domain.Block, d *domain.SendEmailData, exec *domain.Execution) (Step, error) {
	lead, err := x.leads.GetLead(ctx, exec.LeadID)
	if err != nil {
		return Step{}, fmt.Errorf("get lead %s: %w", exec.LeadID, err)
	}
	if lead.Email == "" {
		return Step{}, fmt.Errorf("%w: lead %s has no email", ErrMissingContact, lead.ID)
	}

	vars := templateVars(c, lead)
	subject, err := x.renderer.Render(c.ID+":"+b.ID+":subject", d.Subject, vars)
	if err != nil {
		return Step{}, fmt.Errorf("render subject: %w", err)
	}
	html, err := x.renderer.Render(c.ID+":"+b.ID+":content", d.Content, vars)
	if err != nil {
		return Step{}, fmt.Errorf("render content: %w", err)
	}

	msgID, err := x.email.SendEmail(ctx, lead.Email, subject, html)
	if err != nil {
		return Step{}, fmt.Errorf("send email: %w", err)
	}
	logger.Debug("campaign email sent",
		"component", "executor", "campaign_id", c.ID, "lead_id", lead.ID, "email", lead.Email, "message_id", msgID)
	return Step{
		Result:  domain.ExecutionResult{Success: true, MessageID: msgID, Detail: "email sent"},
		Metrics: domain.MetricsDelta{Sent: 1},
	}, nil
}

func (x *Executor) sendWhatsApp(ctx context.Context, d *domain.SendWhatsAppData, exec *domain.Execution) (Step, error) {
	lead, err := x.leads.GetLead(ctx, exec.LeadID)
	if err != nil {
		return Step{}, fmt.Errorf("get lead %s: %w", exec.LeadID, err)
	}
	if lead.Mobile == "" {
		return Step{}, fmt.Errorf("%w: lead %s has no mobile number", ErrMissingContact, lead.ID)
	}
	tpl, err := x.templates.GetTemplate(ctx, d.TemplateID)
	if err != nil {
		return Step{}, fmt.Errorf("get template %s: %w", d.TemplateID, err)
	}
	body, ok := tpl.BodyText()
	if !ok {
		return Step{}, fmt.Errorf("%w: template %s", ErrTemplateBody, tpl.ID)
	}

	msgID, err := x.messaging.SendMessage(ctx, lead.Mobile, body, lead.ID)
	if err != nil {
		return Step{}, fmt.Errorf("send whatsapp: %w", err)
	}
	return Step{
		Result:  domain.ExecutionResult{Success: true, MessageID: msgID, Detail: "whatsapp sent: " + tpl.Name},
		Metrics: domain.MetricsDelta{Sent: 1},
	}, nil
}

func (x *Executor) applyTag(ctx context.Context, exec *domain.Execution, tagID string, add bool) (Step, error) {
	tags, err := x.tags.ListTags(ctx)
	if err != nil {
		return Step{}, fmt.Errorf("list tags: %w", err)
	}
	var (
		name  string
		found bool
	)
	for _, t := range tags {
		if t.ID == tagID {
			name, found = t.Name, true
			break
		}
	}
	if !found {
		return Step{}, fmt.Errorf("%w: %s", ErrUnknownTag, tagID)
	}

	lead, err := x.leads.GetLead(ctx, exec.LeadID)
	if err != nil {
		return Step{}, fmt.Errorf("get lead %s: %w", exec.LeadID, err)
	}
	next, verb := domain.AddTag(lead.Tags, tagID), "added"
	if !add {
		next, verb = domain.RemoveTag(lead.Tags, tagID), "removed"
	}
	if len(next) != len(lead.Tags) {
		if err := x.leads.UpdateTags(ctx, lead.ID, next); err != nil {
			return Step{}, fmt.Errorf("update tags of lead %s: %w", lead.ID, err)
		}
	}
	return Step{Result: domain.ExecutionResult{Success: true, Detail: fmt.Sprintf("tag %s %s", name, verb)}}, nil
}

// templateVars exposes the lead to Liquid as both {{ lead.name }} and the
// shorter {{ name }}.
func templateVars(c *domain.Campaign, l *domain.Lead) map[string]any {
	lead := map[string]any{
		"id":     l.ID,
		"name":   l.Name,
		"email":  l.Email,
		"mobile": l.Mobile,
		"status": l.Status,
		"source": l.Source,
	}
	vars := map[string]any{
		"lead":     lead,
		"campaign": map[string]any{"id": c.ID, "name": c.Name},
	}
	for k, v := range lead {
		vars[k] = v
	}
	return vars
}
