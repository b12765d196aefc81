package automation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/mailing"
	"github.com/rxfield/crm/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentEmail struct {
	To, Subject, HTML string
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error

	// When release is set, sends block until it is closed.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeEmail) SendEmail(ctx context.Context, to, subject, html string) (string, error) {
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentEmail{To: to, Subject: subject, HTML: html})
	return fmt.Sprintf("ses-%d", len(f.sent)), nil
}

func (f *fakeEmail) Sent() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

type sentMessage struct {
	Phone, Text, LeadID string
}

type fakeWhatsApp struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeWhatsApp) SendMessage(_ context.Context, phone, text, leadID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Phone: phone, Text: text, LeadID: leadID})
	return fmt.Sprintf("wamid.%d", len(f.sent)), nil
}

func (f *fakeWhatsApp) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type harness struct {
	store  *memory.Store
	clock  *clock
	email  *fakeEmail
	wa     *fakeWhatsApp
	engine *automation.Engine
}

func newHarness(t *testing.T, opts ...func(*automation.Config)) *harness {
	t.Helper()
	cfg := automation.Config{BatchSize: 50, Concurrency: 4, RecheckInterval: time.Hour}
	for _, opt := range opts {
		opt(&cfg)
	}
	st := memory.New()
	clk := &clock{t: t0}
	st.SetClock(clk.Now)

	h := &harness{store: st, clock: clk, email: &fakeEmail{}, wa: &fakeWhatsApp{}}
	h.engine = automation.NewEngine(
		automation.Stores{
			Campaigns:   st.Campaigns(),
			Enrollments: st.Enrollments(),
			Executions:  st.Executions(),
			Engagements: st.Engagements(),
		},
		automation.Collaborators{
			Leads:       st.CRM(),
			Templates:   st.CRM(),
			Tags:        st.CRM(),
			Engagements: st.Engagements(),
			Email:       h.email,
			Messaging:   h.wa,
			Renderer:    mailing.NewTemplateService(),
		},
		cfg,
	).WithClock(clk.Now)

	crm := st.CRM()
	crm.PutTag(domain.Tag{ID: "t-hot", Name: "Hot prospect"})
	crm.PutTag(domain.Tag{ID: "t-cold", Name: "Cold"})
	crm.PutTag(domain.Tag{ID: "t-vip", Name: "KOL"})
	crm.PutTag(domain.Tag{ID: "t-engaged", Name: "Engaged"})
	crm.PutTemplate(domain.Template{
		ID: "tpl-1", Name: "sample_followup", Language: "en",
		Components: []domain.TemplateComponent{
			{Type: "HEADER", Text: "MedReach"},
			{Type: "BODY", Text: "Your product samples ship today."},
		},
	})
	return h
}

func (h *harness) addLead(l domain.Lead) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = t0.Add(-24 * time.Hour)
	}
	h.store.CRM().PutLead(l)
}

func (h *harness) createCampaign(t *testing.T, id string, targeting domain.TargetingRule, blocks []domain.Block, conns []domain.Connection) {
	t.Helper()
	if targeting.Type == "" {
		targeting.Type = domain.TargetAll
	}
	require.NoError(t, h.store.Campaigns().Create(context.Background(), &domain.Campaign{
		ID:           id,
		Name:         "Statin launch",
		OwnerID:      "admin-1",
		OwnerIsAdmin: true,
		Status:       domain.CampaignDraft,
		Targeting:    targeting,
		Blocks:       blocks,
		Connections:  conns,
		CreatedAt:    t0,
	}))
}

func (h *harness) activate(t *testing.T, id string) automation.ActivationResult {
	t.Helper()
	res, err := h.engine.Enroller().Activate(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (h *harness) sweep(t *testing.T) automation.SweepResult {
	t.Helper()
	res, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) campaign(t *testing.T, id string) *domain.Campaign {
	t.Helper()
	c, err := h.store.Campaigns().Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) enrollmentOf(t *testing.T, campaignID, leadID string) domain.Enrollment {
	t.Helper()
	list, err := h.store.Enrollments().List(context.Background(), automation.EnrollmentFilter{CampaignID: campaignID, LeadID: leadID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func (h *harness) executionsOf(t *testing.T, enrollmentID string) []domain.Execution {
	t.Helper()
	list, err := h.store.Executions().List(context.Background(), automation.ExecutionFilter{EnrollmentID: enrollmentID})
	require.NoError(t, err)
	return list
}

func (h *harness) lead(t *testing.T, id string) *domain.Lead {
	t.Helper()
	l, err := h.store.CRM().GetLead(context.Background(), id)
	require.NoError(t, err)
	return l
}

func days(n int) domain.Delay { return domain.Delay{Duration: n, Unit: domain.UnitDays} }
