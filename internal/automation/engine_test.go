package automation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/distlock"
)

func TestLinearCampaign_RunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Name: "Dr. Anita Rao", Email: "anita@clinic.example", Mobile: "+919876543210", Status: "Hot"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("email", &domain.SendEmailData{Subject: "Hello {{ name | first_name }}", Content: "<p>{{ campaign.name }} data inside</p>"}),
			domain.NewBlock("wait", &domain.WaitData{Delay: days(2)}),
			domain.NewBlock("wa", &domain.SendWhatsAppData{TemplateID: "tpl-1"}),
		},
		[]domain.Connection{{From: "email", To: "wait"}, {From: "wait", To: "wa"}},
	)

	res := h.activate(t, "c1")
	assert.Equal(t, 1, res.Enrolled)

	c := h.campaign(t, "c1")
	assert.Equal(t, domain.CampaignActive, c.Status)
	assert.Equal(t, 1, c.Metrics.Enrolled)
	assert.Equal(t, 1, c.Metrics.Active)

	assert.Equal(t, 1, h.sweep(t).Claimed)
	require.Len(t, h.email.Sent(), 1)
	assert.Equal(t, "Hello Anita", h.email.Sent()[0].Subject)
	assert.Equal(t, "<p>Statin launch data inside</p>", h.email.Sent()[0].HTML)

	assert.Equal(t, 1, h.sweep(t).Claimed, "wait block runs right away")

	h.clock.Advance(24 * time.Hour)
	assert.Zero(t, h.sweep(t).Claimed, "whatsapp is held back by the wait")
	assert.Empty(t, h.wa.Sent())

	h.clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, h.sweep(t).Claimed)
	require.Len(t, h.wa.Sent(), 1)
	assert.Equal(t, "Your product samples ship today.", h.wa.Sent()[0].Text)
	assert.Equal(t, "l1", h.wa.Sent()[0].LeadID)

	enr := h.enrollmentOf(t, "c1", "l1")
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	assert.Equal(t, []string{"email", "wait", "wa"}, enr.PathTaken)
	require.NotNil(t, enr.CompletedAt)
	assert.Equal(t, t0.Add(48*time.Hour), *enr.CompletedAt)

	c = h.campaign(t, "c1")
	assert.Equal(t, domain.CampaignCompleted, c.Status, "last active enrollment completes the campaign")
	assert.Equal(t, domain.Metrics{Enrolled: 1, Active: 0, Completed: 1, Sent: 2}, c.Metrics)

	for _, ex := range h.executionsOf(t, enr.ID) {
		assert.Equal(t, domain.ExecutionCompleted, ex.Status, ex.BlockID)
	}
}

func TestLeadCondition_FollowsMatchingBranch(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "hot", Status: "Hot"})
	h.addLead(domain.Lead{ID: "cold", Status: "Cold"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("check", &domain.LeadConditionData{
				Field: domain.FieldStatus, Operator: domain.OpEquals, Values: []string{"hot"},
				TruePath: []string{"tag-hot"}, FalsePath: []string{"tag-cold"},
			}),
			domain.NewBlock("tag-hot", &domain.AddTagData{TagID: "t-hot"}),
			domain.NewBlock("tag-cold", &domain.AddTagData{TagID: "t-cold"}),
		}, nil)

	h.activate(t, "c1")
	h.sweep(t)
	h.sweep(t)

	assert.Equal(t, []string{"t-hot"}, h.lead(t, "hot").Tags)
	assert.Equal(t, []string{"t-cold"}, h.lead(t, "cold").Tags)

	enr := h.enrollmentOf(t, "c1", "hot")
	assert.Equal(t, []string{"check", "tag-hot"}, enr.PathTaken)
	execs := h.executionsOf(t, enr.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, domain.OutcomeTrue, execs[0].Result.Outcome)
}

func TestABTest_RoutesByStableBucket(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		h.addLead(domain.Lead{ID: fmt.Sprintf("l%02d", i), Status: "New"})
	}
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("split", &domain.ABTestData{SplitPercentage: 50}),
			domain.NewBlock("a", &domain.AddTagData{TagID: "t-hot"}),
			domain.NewBlock("b", &domain.AddTagData{TagID: "t-cold"}),
		},
		[]domain.Connection{{From: "split", To: "a", Label: "A"}, {From: "split", To: "b", Label: "B"}},
	)
	h.activate(t, "c1")
	h.sweep(t)
	h.sweep(t)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("l%02d", i)
		enr := h.enrollmentOf(t, "c1", id)
		want := "t-cold"
		if automation.SplitBucket(enr.ID, "split", 50) == domain.OutcomeA {
			want = "t-hot"
		}
		assert.Equal(t, []string{want}, h.lead(t, id).Tags, id)
	}
}

func TestSplitBucket_DeterministicAndWeighted(t *testing.T) {
	assert.Equal(t, automation.SplitBucket("e1", "b1", 30), automation.SplitBucket("e1", "b1", 30))

	var a int
	for i := 0; i < 2000; i++ {
		if automation.SplitBucket(fmt.Sprintf("enr-%d", i), "split", 30) == domain.OutcomeA {
			a++
		}
	}
	assert.InDelta(t, 600, a, 150)
}

func TestFailedHandler_HaltsPath(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Name: "No Email", Mobile: "+15550001111"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"}),
			domain.NewBlock("wa", &domain.SendWhatsAppData{TemplateID: "tpl-1"}),
		},
		[]domain.Connection{{From: "email", To: "wa"}},
	)
	h.activate(t, "c1")
	h.sweep(t)

	enr := h.enrollmentOf(t, "c1", "l1")
	execs := h.executionsOf(t, enr.ID)
	require.Len(t, execs, 1, "no successor after a failure")
	assert.Equal(t, domain.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, automation.ErrMissingContact.Error())

	assert.Equal(t, domain.EnrollmentActive, enr.Status)
	assert.Empty(t, enr.PathTaken)
	assert.Equal(t, "email", enr.CurrentBlockID)

	c := h.campaign(t, "c1")
	assert.Equal(t, 1, c.Metrics.Active)
	assert.Zero(t, c.Metrics.Sent)
	assert.Equal(t, int64(1), h.engine.Stats().Failed)

	assert.Zero(t, h.sweep(t).Claimed, "failed executions are not retried automatically")
}

func TestRetry_RequeuesFailedExecution(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")
	h.sweep(t)

	enr := h.enrollmentOf(t, "c1", "l1")
	failed := h.executionsOf(t, enr.ID)[0]
	require.Equal(t, domain.ExecutionFailed, failed.Status)

	ctx := context.Background()
	_, err := h.engine.Retry(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.addLead(domain.Lead{ID: "l1", Email: "fixed@clinic.example"})
	retry, err := h.engine.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Attempt)

	_, err = h.engine.Retry(ctx, retry.ID)
	assert.ErrorIs(t, err, automation.ErrNotRetryable)

	h.sweep(t)
	assert.Len(t, h.email.Sent(), 1)
	assert.Equal(t, domain.EnrollmentCompleted, h.enrollmentOf(t, "c1", "l1").Status)
}

func TestActivate_TargetingFilter(t *testing.T) {
	h := newHarness(t)
	for i, status := range []string{"Hot", "Hot", "Cold", "Hot", "Cold"} {
		h.addLead(domain.Lead{ID: fmt.Sprintf("l%d", i), Status: status})
	}
	h.createCampaign(t, "c1", domain.TargetingRule{Type: domain.TargetFiltered, Statuses: []string{"hot"}},
		[]domain.Block{domain.NewBlock("w", &domain.WaitData{Delay: days(1)})}, nil)

	res := h.activate(t, "c1")
	assert.Equal(t, 3, res.Enrolled)
	assert.Equal(t, 3, h.campaign(t, "c1").Metrics.Enrolled)

	list, err := h.store.Enrollments().List(context.Background(), automation.EnrollmentFilter{CampaignID: "c1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, e := range list {
		assert.Equal(t, "w", e.CurrentBlockID)
		assert.Empty(t, e.PathTaken)
		execs := h.executionsOf(t, e.ID)
		require.Len(t, execs, 1)
		assert.Equal(t, domain.ExecutionPending, execs[0].Status)
		assert.Equal(t, t0, execs[0].ScheduledFor)
	}
}

func TestActivate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.createCampaign(t, "empty", domain.TargetingRule{}, nil, nil)
	_, err := h.engine.Enroller().Activate(ctx, "empty")
	assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
	assert.ErrorIs(t, err, automation.ErrEmptyCampaign)
	assert.Equal(t, domain.CampaignDraft, h.campaign(t, "empty").Status)

	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("w", &domain.WaitData{Delay: days(1)})}, nil)
	h.activate(t, "c1")
	_, err = h.engine.Enroller().Activate(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.Enroller().Activate(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTagBlocks_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Tags: []string{"t-vip"}})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("add", &domain.AddTagData{TagID: "t-vip"}),
			domain.NewBlock("rm", &domain.RemoveTagData{TagID: "t-cold"}),
		},
		[]domain.Connection{{From: "add", To: "rm"}},
	)
	h.activate(t, "c1")
	h.sweep(t)
	h.sweep(t)

	assert.Equal(t, []string{"t-vip"}, h.lead(t, "l1").Tags)
	enr := h.enrollmentOf(t, "c1", "l1")
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
	for _, ex := range h.executionsOf(t, enr.ID) {
		assert.Equal(t, domain.ExecutionCompleted, ex.Status)
	}
}

func TestTagBlock_UnknownTagFails(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("add", &domain.AddTagData{TagID: "t-missing"})}, nil)
	h.activate(t, "c1")
	h.sweep(t)

	ex := h.executionsOf(t, h.enrollmentOf(t, "c1", "l1").ID)[0]
	assert.Equal(t, domain.ExecutionFailed, ex.Status)
	assert.Contains(t, ex.Error, automation.ErrUnknownTag.Error())
	assert.Empty(t, h.lead(t, "l1").Tags)
}

func TestSendWhatsApp_TemplateWithoutBodyFails(t *testing.T) {
	h := newHarness(t)
	h.store.CRM().PutTemplate(domain.Template{ID: "tpl-hdr", Components: []domain.TemplateComponent{{Type: "HEADER", Text: "x"}}})
	h.addLead(domain.Lead{ID: "l1", Mobile: "+15550001111"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("wa", &domain.SendWhatsAppData{TemplateID: "tpl-hdr"})}, nil)
	h.activate(t, "c1")
	h.sweep(t)

	ex := h.executionsOf(t, h.enrollmentOf(t, "c1", "l1").ID)[0]
	assert.Equal(t, domain.ExecutionFailed, ex.Status)
	assert.Contains(t, ex.Error, automation.ErrTemplateBody.Error())
	assert.Empty(t, h.wa.Sent())
}

func conditionalCampaign(t *testing.T, h *harness) {
	h.addLead(domain.Lead{ID: "l1", Email: "anita@clinic.example", Mobile: "+919876543210"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("email", &domain.SendEmailData{Subject: "Dosing guide", Content: "<p>guide</p>"}),
			domain.NewBlock("opened", &domain.ConditionalData{
				Predicate: domain.EngagementOpened, TimeLimit: days(2),
				TruePath: []string{"tag"}, FalsePath: []string{"remind"},
			}),
			domain.NewBlock("tag", &domain.AddTagData{TagID: "t-engaged"}),
			domain.NewBlock("remind", &domain.SendWhatsAppData{TemplateID: "tpl-1"}),
		},
		[]domain.Connection{{From: "email", To: "opened"}},
	)
	h.activate(t, "c1")
	h.sweep(t)
	h.sweep(t)
}

func TestConditional_DefersUntilEngagement(t *testing.T) {
	h := newHarness(t)
	conditionalCampaign(t, h)

	enr := h.enrollmentOf(t, "c1", "l1")
	execs := h.executionsOf(t, enr.ID)
	require.Len(t, execs, 2)
	cond := execs[1]
	assert.Equal(t, "opened", cond.BlockID)
	assert.Equal(t, domain.ExecutionPending, cond.Status, "same execution goes back to the queue")
	assert.Equal(t, t0.Add(time.Hour), cond.ScheduledFor)
	assert.Equal(t, int64(1), h.engine.Stats().Deferred)

	h.clock.Advance(30 * time.Minute)
	_, err := h.engine.RecordEngagement(context.Background(), domain.Engagement{
		CampaignID: "c1", LeadID: "l1", Kind: domain.EngagementOpened,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.campaign(t, "c1").Metrics.Opened)

	h.clock.Advance(30 * time.Minute)
	h.sweep(t)
	h.sweep(t)

	assert.Equal(t, []string{"t-engaged"}, h.lead(t, "l1").Tags)
	assert.Empty(t, h.wa.Sent())
	enr = h.enrollmentOf(t, "c1", "l1")
	assert.Equal(t, []string{"email", "opened", "tag"}, enr.PathTaken)
	assert.Len(t, h.executionsOf(t, enr.ID), 3)
}

func TestConditional_FalseAfterTimeLimit(t *testing.T) {
	h := newHarness(t)
	conditionalCampaign(t, h)

	h.clock.Advance(49 * time.Hour)
	h.sweep(t)
	h.sweep(t)

	require.Len(t, h.wa.Sent(), 1)
	assert.Empty(t, h.lead(t, "l1").Tags)
	enr := h.enrollmentOf(t, "c1", "l1")
	assert.Equal(t, []string{"email", "opened", "remind"}, enr.PathTaken)
	assert.Equal(t, domain.EnrollmentCompleted, enr.Status)
}

func TestRecordEngagement_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RecordEngagement(context.Background(), domain.Engagement{CampaignID: "c1", LeadID: "l1", Kind: "bounced"})
	assert.ErrorIs(t, err, automation.ErrInvalidEngagement)

	_, err = h.engine.RecordEngagement(context.Background(), domain.Engagement{CampaignID: "nope", LeadID: "l1", Kind: domain.EngagementReplied})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnenroll_CancelsPendingWork(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.addLead(domain.Lead{ID: "l2", Email: "b@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	enr := h.enrollmentOf(t, "c1", "l1")
	require.NoError(t, h.engine.Enroller().Unenroll(context.Background(), enr.ID))
	assert.ErrorIs(t, h.engine.Enroller().Unenroll(context.Background(), enr.ID), automation.ErrEnrollmentInactive)

	assert.Equal(t, domain.EnrollmentRemoved, h.enrollmentOf(t, "c1", "l1").Status)
	assert.Equal(t, domain.ExecutionCancelled, h.executionsOf(t, enr.ID)[0].Status)
	assert.Equal(t, 1, h.campaign(t, "c1").Metrics.Active)

	h.sweep(t)
	require.Len(t, h.email.Sent(), 1)
	assert.Equal(t, "b@clinic.example", h.email.Sent()[0].To)
}

func TestPausedCampaign_IsNotSwept(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	ctx := context.Background()
	require.NoError(t, h.store.Campaigns().UpdateStatus(ctx, "c1", []domain.CampaignStatus{domain.CampaignActive}, domain.CampaignPaused))
	assert.Zero(t, h.sweep(t).Claimed)

	require.NoError(t, h.store.Campaigns().UpdateStatus(ctx, "c1", []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignActive))
	assert.Equal(t, 1, h.sweep(t).Claimed)
}

func TestOnLeadCreated_AutoEnrollsMatchingLeads(t *testing.T) {
	h := newHarness(t)
	h.createCampaign(t, "c1", domain.TargetingRule{Type: domain.TargetFiltered, Statuses: []string{"Hot"}, AutoEnrollNew: true},
		[]domain.Block{domain.NewBlock("w", &domain.WaitData{Delay: days(1)})}, nil)
	h.createCampaign(t, "c2", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("w", &domain.WaitData{Delay: days(1)})}, nil)
	h.activate(t, "c1")
	h.activate(t, "c2")

	ctx := context.Background()
	hot := domain.Lead{ID: "new-hot", Status: "Hot"}
	cold := domain.Lead{ID: "new-cold", Status: "Cold"}
	h.addLead(hot)
	h.addLead(cold)

	n, err := h.engine.Enroller().OnLeadCreated(ctx, &hot)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the opted-in campaign enrolls")

	n, err = h.engine.Enroller().OnLeadCreated(ctx, &cold)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.engine.Enroller().OnLeadCreated(ctx, &hot)
	require.NoError(t, err)
	assert.Zero(t, n, "a lead is enrolled at most once")

	assert.Equal(t, 1, h.campaign(t, "c1").Metrics.Enrolled)
}

func TestSchedule_RejectsPastAndDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.engine.Scheduler()

	_, err := s.Schedule(ctx, automation.ScheduleRequest{EnrollmentID: "e1", BlockID: "b1", ScheduledFor: t0.Add(-time.Minute)})
	assert.ErrorIs(t, err, automation.ErrScheduleInPast)

	_, err = s.Schedule(ctx, automation.ScheduleRequest{EnrollmentID: "e1", BlockID: "b1", ScheduledFor: t0.Add(-500 * time.Millisecond)})
	require.NoError(t, err, "small clock skew is tolerated")

	_, err = s.Schedule(ctx, automation.ScheduleRequest{EnrollmentID: "e1", BlockID: "b1", ScheduledFor: t0.Add(time.Hour)})
	assert.ErrorIs(t, err, domain.ErrDuplicateExecution)
}

func TestSweep_RecoversStaleExecutions(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	// A worker claims the row and dies.
	claimed, err := h.store.Executions().ClaimDue(context.Background(), t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Advance(20 * time.Minute)
	res := h.sweep(t)
	assert.Equal(t, 1, res.Recovered)
	assert.Zero(t, res.Claimed)

	ex := h.executionsOf(t, claimed[0].EnrollmentID)[0]
	assert.Equal(t, domain.ExecutionFailed, ex.Status)
	assert.Equal(t, automation.StaleReason, ex.Error)
	assert.Empty(t, h.email.Sent())
}

func TestSweep_SkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	other := distlock.NewRedisLock(client, "campaign-sweep", time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	h.engine.WithLock(distlock.NewRedisLock(client, "campaign-sweep", time.Minute))
	res := h.sweep(t)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.email.Sent())

	require.NoError(t, other.Release(ctx))
	res = h.sweep(t)
	assert.False(t, res.Skipped)
	assert.Len(t, h.email.Sent(), 1)
	assert.False(t, mr.Exists("lock:campaign-sweep"), "lock released after the sweep")
}

func TestEngine_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	require.Error(t, automation.NewEngine(automation.Stores{}, automation.Collaborators{}, automation.Config{Schedule: "every tuesday"}).Start())

	require.NoError(t, h.engine.Start())
	h.engine.Stop()
	assert.True(t, h.engine.IsHealthy())
}

func TestStop_LetsClaimedExecutionFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, func(c *automation.Config) { c.Schedule = "@every 1s" })
	h.email.entered = make(chan struct{}, 1)
	h.email.release = make(chan struct{})
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{
			domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"}),
			domain.NewBlock("wait", &domain.WaitData{Delay: days(1)}),
		},
		[]domain.Connection{{From: "email", To: "wait"}},
	)
	h.activate(t, "c1")

	require.NoError(t, h.engine.Start())
	select {
	case <-h.email.entered:
	case <-time.After(5 * time.Second):
		h.engine.Stop()
		t.Fatal("sweep never reached the email handler")
	}

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a send was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(h.email.release)
	<-stopped

	enr := h.enrollmentOf(t, "c1", "l1")
	assert.Equal(t, domain.EnrollmentActive, enr.Status)
	execs := h.executionsOf(t, enr.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, domain.ExecutionCompleted, execs[0].Status, execs[0].Error)
	assert.Equal(t, "wait", execs[1].BlockID)
	assert.Equal(t, domain.ExecutionPending, execs[1].Status, "the path continues after shutdown")
	assert.Len(t, h.email.Sent(), 1)
}

func TestSweep_CancelsExecutionOfRemovedEnrollment(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	// The lead leaves the campaign but its queued step is still pending.
	enr := h.enrollmentOf(t, "c1", "l1")
	changed, err := h.store.Enrollments().Finish(context.Background(), enr.ID, domain.EnrollmentRemoved, t0)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, 1, h.sweep(t).Claimed)
	assert.Empty(t, h.email.Sent())

	ex := h.executionsOf(t, enr.ID)[0]
	assert.Equal(t, domain.ExecutionCancelled, ex.Status)
	assert.Equal(t, automation.InactiveReason, ex.Error)
	assert.Equal(t, domain.EnrollmentRemoved, h.enrollmentOf(t, "c1", "l1").Status)
}

type failingCancel struct {
	automation.ExecutionStore
}

func (failingCancel) CancelPending(context.Context, automation.ExecutionFilter) (int, error) {
	return 0, errors.New("connection reset")
}

func TestUnenroll_KeepsEnrollmentWhenCancelFails(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	executions := failingCancel{h.store.Executions()}
	en := automation.NewEnroller(h.store.Campaigns(), h.store.Enrollments(), executions, h.store.CRM(),
		automation.NewScheduler(executions))

	enr := h.enrollmentOf(t, "c1", "l1")
	require.Error(t, en.Unenroll(context.Background(), enr.ID))
	assert.Equal(t, domain.EnrollmentActive, h.enrollmentOf(t, "c1", "l1").Status,
		"a lead is only marked removed once its pending work is cancelled")
	assert.Equal(t, 1, h.campaign(t, "c1").Metrics.Active)
}

func TestGraphCache_DropsIdleCampaigns(t *testing.T) {
	h := newHarness(t)
	h.addLead(domain.Lead{ID: "l1", Email: "a@clinic.example"})
	h.createCampaign(t, "c1", domain.TargetingRule{},
		[]domain.Block{domain.NewBlock("email", &domain.SendEmailData{Subject: "Hi", Content: "Body"})}, nil)
	h.activate(t, "c1")

	assert.Equal(t, 1, h.sweep(t).Claimed)
	assert.Equal(t, 1, h.engine.CachedGraphs())
	assert.Equal(t, domain.CampaignCompleted, h.campaign(t, "c1").Status)

	h.clock.Advance(automation.DefaultStaleAfter + time.Minute)
	h.sweep(t)
	assert.Zero(t, h.engine.CachedGraphs(), "completed campaigns are no longer claimed and age out")
}
