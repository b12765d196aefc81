package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/service/campaign"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var ts = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func campaignRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "description", "owner_id", "owner_is_admin", "status",
		"targeting", "blocks", "connections",
		"enrolled_count", "active_count", "completed_count", "sent_count",
		"opened_count", "clicked_count", "replied_count",
		"activated_at", "completed_at", "created_at", "updated_at",
	})
}

func TestCampaignRepo_GetDecodesDefinition(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery("SELECT .+ FROM campaigns WHERE id = \\$1").
		WithArgs("c1").
		WillReturnRows(campaignRow().AddRow(
			"c1", "Statin launch", "", "rep-7", false, "active",
			[]byte(`{"type":"filtered","statuses":["Hot"]}`),
			[]byte(`[{"id":"e","type":"send_email","data":{"subject":"Hi","content":"Body"}},
			         {"id":"w","type":"wait","data":{"duration":2,"unit":"days"}}]`),
			[]byte(`[{"from":"e","to":"w"}]`),
			4, 3, 1, 9, 2, 1, 0,
			ts, nil, ts, ts,
		))

	c, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignActive, c.Status)
	assert.Equal(t, domain.TargetFiltered, c.Targeting.Type)
	require.Len(t, c.Blocks, 2)
	assert.IsType(t, &domain.SendEmailData{}, c.Blocks[0].Data)
	assert.Equal(t, 48*time.Hour, c.Blocks[1].Data.(*domain.WaitData).ToDuration())
	assert.Equal(t, []domain.Connection{{From: "e", To: "w"}}, c.Connections)
	assert.Equal(t, domain.Metrics{Enrolled: 4, Active: 3, Completed: 1, Sent: 9, Opened: 2, Clicked: 1}, c.Metrics)
	require.NotNil(t, c.ActivatedAt)
	assert.Nil(t, c.CompletedAt)
}

func TestCampaignRepo_GetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery("FROM campaigns").WillReturnError(sql.ErrNoRows)

	_, err := NewCampaignRepo(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCampaignRepo_ListBuildsFilter(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM campaigns WHERE status = \\$1 AND owner_id = \\$2 AND name ILIKE \\$3").
		WithArgs(domain.CampaignDraft, "rep-7", "%statin%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("ORDER BY created_at DESC LIMIT \\$4 OFFSET \\$5").
		WithArgs(domain.CampaignDraft, "rep-7", "%statin%", 10, 10).
		WillReturnRows(campaignRow())

	out, total, err := NewCampaignRepo(db).List(context.Background(), campaign.ListFilter{
		Status: domain.CampaignDraft, OwnerID: "rep-7", Search: "statin", Limit: 10, Offset: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.Empty(t, out)
}

func TestCampaignRepo_UpdateStatus(t *testing.T) {
	t.Run("compare and set", func(t *testing.T) {
		db, mock := setupTestDB(t)
		mock.ExpectExec("UPDATE campaigns").
			WithArgs("c1", "paused", pq.Array([]string{"active"})).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := NewCampaignRepo(db).UpdateStatus(context.Background(), "c1",
			[]domain.CampaignStatus{domain.CampaignActive}, domain.CampaignPaused)
		assert.NoError(t, err)
	})

	t.Run("wrong current status", func(t *testing.T) {
		db, mock := setupTestDB(t)
		mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM campaigns").
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

		err := NewCampaignRepo(db).UpdateStatus(context.Background(), "c1",
			[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignActive)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := setupTestDB(t)
		mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM campaigns").WillReturnError(sql.ErrNoRows)

		err := NewCampaignRepo(db).UpdateStatus(context.Background(), "c1",
			[]domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignActive)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCampaignRepo_ApplyMetrics(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery("UPDATE campaigns SET").
		WithArgs("c1", 0, -1, 1, 0, 0, 0, 0).
		WillReturnRows(sqlmock.NewRows([]string{"e", "a", "c", "s", "o", "cl", "r"}).AddRow(5, 0, 5, 5, 0, 0, 0))

	m, err := NewCampaignRepo(db).ApplyMetrics(context.Background(), "c1", domain.MetricsDelta{Active: -1, Completed: 1})
	require.NoError(t, err)
	assert.Zero(t, m.Active)
	assert.Equal(t, 5, m.Completed)
}

func TestCampaignRepo_CreateStoresJSON(t *testing.T) {
	db, mock := setupTestDB(t)
	c := &domain.Campaign{
		ID: "c1", Name: "n", OwnerID: "o", Status: domain.CampaignDraft,
		Targeting: domain.TargetingRule{Type: domain.TargetAll},
	}
	mock.ExpectQuery("INSERT INTO campaigns").
		WithArgs("c1", "n", "", "o", false, domain.CampaignDraft,
			`{"type":"all","auto_enroll_new":false}`, `[]`, `[]`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(ts, ts))

	require.NoError(t, NewCampaignRepo(db).Create(context.Background(), c))
	assert.Equal(t, ts, c.CreatedAt)
}

func TestEnrollmentRepo_CreateDuplicate(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec("INSERT INTO campaign_enrollments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "campaign_enrollments_campaign_id_lead_id_key"})

	err := NewEnrollmentRepo(db).Create(context.Background(), &domain.Enrollment{
		ID: "e1", CampaignID: "c1", LeadID: "l1", Status: domain.EnrollmentActive, EnrolledAt: ts,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyEnrolled)
}

func TestEnrollmentRepo_Finish(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEnrollmentRepo(db)
	mock.ExpectExec("UPDATE campaign_enrollments").
		WithArgs("e1", domain.EnrollmentCompleted, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_enrollments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Finish(context.Background(), "e1", domain.EnrollmentCompleted, ts)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Finish(context.Background(), "e1", domain.EnrollmentRemoved, ts)
	require.NoError(t, err)
	assert.False(t, ok, "already finished")
}

func TestEnrollmentRepo_GetScansPath(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery("FROM campaign_enrollments WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "lead_id", "status", "current_block_id", "path_taken", "enrolled_at", "completed_at", "updated_at",
		}).AddRow("e1", "c1", "l1", "active", "w", "{e,w}", ts, nil, ts))

	e, err := NewEnrollmentRepo(db).Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "w"}, e.PathTaken)
	assert.True(t, e.IsActive())
}

func executionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "enrollment_id", "lead_id", "block_id", "status", "attempt",
		"scheduled_for", "claimed_at", "executed_at", "result", "error", "created_at",
	})
}

func TestExecutionRepo_CreateDuplicate(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec("INSERT INTO campaign_executions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_executions_open"})

	err := NewExecutionRepo(db).Create(context.Background(), &domain.Execution{ID: "x1", BlockID: "b1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateExecution)
}

func TestExecutionRepo_ClaimDue(t *testing.T) {
	db, mock := setupTestDB(t)
	later := ts.Add(time.Minute)
	mock.ExpectQuery("FOR UPDATE OF e SKIP LOCKED").
		WithArgs(later, 50).
		WillReturnRows(executionRows().
			AddRow("x2", "c1", "e2", "l2", "b", "executing", 1, later, later, nil, nil, "", ts).
			AddRow("x1", "c1", "e1", "l1", "b", "executing", 1, ts, later, nil, nil, "", ts))

	out, err := NewExecutionRepo(db).ClaimDue(context.Background(), later, 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "x1", out[0].ID, "oldest schedule first")
	assert.Equal(t, domain.ExecutionExecuting, out[1].Status)
	require.NotNil(t, out[1].ClaimedAt)
	assert.Nil(t, out[1].Result)
}

func TestExecutionRepo_FinishStoresResult(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE campaign_executions").
		WithArgs("x1", domain.ExecutionCompleted, `{"success":true,"outcome":"A"}`, "", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewExecutionRepo(db).Finish(context.Background(), "x1", domain.ExecutionCompleted,
		&domain.ExecutionResult{Success: true, Outcome: "A"}, "", ts)
	assert.NoError(t, err)
}

func TestExecutionRepo_DeferNotExecuting(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec("UPDATE campaign_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM campaign_executions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))

	err := NewExecutionRepo(db).Defer(context.Background(), "x1", ts)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecutionRepo_CountOpenAndCancel(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewExecutionRepo(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM campaign_executions WHERE campaign_id = \\$1 AND block_id = \\$2 AND status IN").
		WithArgs("c1", "b1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	n, err := repo.CountOpen(context.Background(), automation.ExecutionFilter{CampaignID: "c1", BlockID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mock.ExpectExec("SET status = 'cancelled'.+WHERE enrollment_id = \\$1 AND status = 'pending'").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err = repo.CancelPending(context.Background(), automation.ExecutionFilter{EnrollmentID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExecutionRepo_FailStale(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectExec("WHERE status = 'executing' AND claimed_at < \\$1").
		WithArgs(ts, automation.StaleReason).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewExecutionRepo(db).FailStale(context.Background(), ts, automation.StaleReason)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCRMRepo_Leads(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewCRMRepo(db)
	cols := []string{"id", "name", "email", "mobile", "status", "source", "assigned_to", "created_at", "tags"}

	mock.ExpectQuery("WHERE l.assigned_to = \\$1 GROUP BY l.id").
		WithArgs("rep-7").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("l1", "Dr. A", "a@x", "+1", "Hot", "Referral", "rep-7", ts, "{t-hot,t-vip}"))
	leads, err := repo.ListVisibleLeads(context.Background(), domain.LeadScope{OwnerID: "rep-7"})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, []string{"t-hot", "t-vip"}, leads[0].Tags)
	assert.Equal(t, "rep-7", leads[0].AssignedTo)

	mock.ExpectQuery("GROUP BY l.id ORDER BY").
		WithoutArgs().
		WillReturnRows(sqlmock.NewRows(cols).AddRow("l2", "", "", "", "", "", nil, ts, "{}"))
	leads, err = repo.ListVisibleLeads(context.Background(), domain.LeadScope{Admin: true})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Empty(t, leads[0].AssignedTo)
}

func TestCRMRepo_UpdateTags(t *testing.T) {
	db, mock := setupTestDB(t)
	tags := []string{"t-hot"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM lead_tags").WithArgs("l1", pq.Array(tags)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lead_tags").WithArgs("l1", pq.Array(tags)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewCRMRepo(db).UpdateTags(context.Background(), "l1", tags))
}

func TestCRMRepo_GetTemplate(t *testing.T) {
	db, mock := setupTestDB(t)
	mock.ExpectQuery("FROM whatsapp_templates").
		WithArgs("tpl").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "language", "components"}).
			AddRow("tpl", "followup", "en", []byte(`[{"type":"BODY","text":"Samples ship today"}]`)))

	tpl, err := NewCRMRepo(db).GetTemplate(context.Background(), "tpl")
	require.NoError(t, err)
	body, ok := tpl.BodyText()
	assert.True(t, ok)
	assert.Equal(t, "Samples ship today", body)
}

func TestEngagementRepo(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewEngagementRepo(db)

	mock.ExpectExec("INSERT INTO campaign_engagements").
		WithArgs("g1", "c1", "l1", domain.EngagementOpened, "", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.RecordEngagement(context.Background(), &domain.Engagement{
		ID: "g1", CampaignID: "c1", LeadID: "l1", Kind: domain.EngagementOpened, OccurredAt: ts,
	}))

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("l1", "c1", domain.EngagementOpened, ts).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := repo.HasEngagement(context.Background(), "l1", "c1", domain.EngagementOpened, ts)
	require.NoError(t, err)
	assert.True(t, ok)
}
