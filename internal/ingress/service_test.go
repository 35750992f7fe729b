package ingress

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/segflow/segflow/internal/campaign"
	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/transaction"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func setupService(t *testing.T, sender transaction.EmailSender) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewService(db, sender), mock, func() { db.Close() }
}

func userRow(id, attrs string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "attributes", "created_at", "updated_at"}).
		AddRow(id, []byte(attrs), now, now)
}

// recordingSender captures the last transactional email handed to it.
type recordingSender struct {
	calls   int
	to      string
	subject string
	html    string
}

func (r *recordingSender) Send(ctx context.Context, to, subject, html string) error {
	r.calls++
	r.to, r.subject, r.html = to, subject, html
	return nil
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUserEnrollsMatchingCampaign(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", []byte(`{"email":"ann@example.com"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Segment evaluation: the user matches the one segment.
	mock.ExpectQuery("SELECT id, evaluator FROM segments ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluator"}).
			AddRow("active", "SELECT id FROM users"))
	mock.ExpectQuery("WITH m AS").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1", "active").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO segment_memberships").
		WithArgs("u1", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Campaign reconciliation: the fresh membership enrolls the user and
	// creates a pending execution due immediately.
	mock.ExpectQuery("SELECT segment_id FROM segment_memberships").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"segment_id"}).AddRow("active"))
	mock.ExpectQuery("SELECT id, flow, behavior FROM campaigns ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "flow", "behavior"}).
			AddRow("onboarding", "function(ctx, rt) end", "static"))
	mock.ExpectQuery("SELECT segment_id, excluded FROM campaign_segments").
		WithArgs("onboarding").
		WillReturnRows(sqlmock.NewRows([]string{"segment_id", "excluded"}).
			AddRow("active", false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1", "onboarding").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1", "onboarding").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO campaign_memberships").
		WithArgs("u1", "onboarding").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO executions").
		WithArgs("u1", "onboarding").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := svc.CreateUser(context.Background(), "u1", map[string]interface{}{
		"email": "ann@example.com",
	})
	if err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("user id = %q, want u1", u.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateUserWithoutEmail(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	_, err := svc.CreateUser(context.Background(), "u1", map[string]interface{}{
		"name": "Ann",
	})
	var validation *faults.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestUpdateUserMergesAttributes(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, attributes, created_at, updated_at FROM users").
		WithArgs("u1").
		WillReturnRows(userRow("u1", `{"email":"ann@example.com","plan":"free"}`))
	mock.ExpectExec("UPDATE users SET attributes").
		WithArgs([]byte(`{"email":"ann@example.com","plan":"pro"}`), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, evaluator FROM segments ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluator"}))
	mock.ExpectQuery("SELECT segment_id FROM segment_memberships").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"segment_id"}))
	mock.ExpectQuery("SELECT id, flow, behavior FROM campaigns ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "flow", "behavior"}))
	mock.ExpectCommit()

	u, err := svc.UpdateUser(context.Background(), "u1", map[string]interface{}{
		"plan": "pro",
	})
	if err != nil {
		t.Fatalf("UpdateUser() error: %v", err)
	}
	if u.Attributes["plan"] != "pro" || u.Attributes["email"] != "ann@example.com" {
		t.Errorf("attributes = %v, want merged document", u.Attributes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEmitEventSendsTransactionalEmail(t *testing.T) {
	rec := &recordingSender{}
	svc, mock, cleanup := setupService(t, rec)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, attributes, created_at, updated_at FROM users").
		WithArgs("u1").
		WillReturnRows(userRow("u1", `{"email":"ann@example.com","name":"Ann"}`))
	mock.ExpectExec("INSERT INTO events").
		WithArgs("purchase", "u1", []byte(`{"order":"A1"}`)).
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectQuery("JOIN segment_event_triggers").
		WithArgs("purchase").
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluator"}))
	mock.ExpectQuery("SELECT segment_id FROM segment_memberships").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"segment_id"}))
	mock.ExpectQuery("SELECT id, flow, behavior FROM campaigns ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "flow", "behavior"}))
	mock.ExpectCommit()

	// The transactional lookup runs on the pool, after the commit.
	mock.ExpectQuery("FROM transactions WHERE event").
		WithArgs("purchase").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event", "subject", "html", "preamble"}).
			AddRow("receipt", "purchase",
				`function(user, event) return "Order " .. event.order end`,
				`<p>Thanks, <%= user.name %></p>`, ""))

	ev, err := svc.EmitEvent(context.Background(), "u1", "purchase", map[string]interface{}{
		"order": "A1",
	})
	if err != nil {
		t.Fatalf("EmitEvent() error: %v", err)
	}
	if ev.ID != 9 || ev.Name != "purchase" {
		t.Errorf("event = %+v, want id 9 name purchase", ev)
	}
	if rec.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", rec.calls)
	}
	if rec.to != "ann@example.com" {
		t.Errorf("to = %q, want ann@example.com", rec.to)
	}
	if rec.subject != "Order A1" {
		t.Errorf("subject = %q, want Order A1", rec.subject)
	}
	if rec.html != "<p>Thanks, Ann</p>" {
		t.Errorf("html = %q, want <p>Thanks, Ann</p>", rec.html)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEmitEventUnknownUser(t *testing.T) {
	rec := &recordingSender{}
	svc, mock, cleanup := setupService(t, rec)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, attributes, created_at, updated_at FROM users").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.EmitEvent(context.Background(), "ghost", "purchase", nil)
	var notFound *faults.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
	if rec.calls != 0 {
		t.Errorf("sender calls = %d, want 0", rec.calls)
	}
}

// =============================================================================
// SEGMENTS
// =============================================================================

func TestDeleteSegmentReferencedByCampaign(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := svc.DeleteSegment(context.Background(), "active")
	var constraint *faults.ConstraintViolation
	if !errors.As(err, &constraint) {
		t.Fatalf("error = %v, want ConstraintViolation", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestCreateCampaignEnrollsExistingMembers(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, evaluator, created_at, updated_at FROM segments").
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"id", "evaluator", "created_at", "updated_at"}).
			AddRow("active", "SELECT id FROM users", now, now))
	mock.ExpectExec("INSERT INTO campaigns").
		WithArgs("onboarding", "function(ctx, rt) end", "static").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO campaign_segments").
		WithArgs("onboarding", "active", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Initial enrollment sweeps users already inside the segment sets.
	mock.ExpectQuery("SELECT user_id FROM segment_memberships WHERE segment_id IN").
		WithArgs("active", 1).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1", "onboarding").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO campaign_memberships").
		WithArgs("u1", "onboarding").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO executions").
		WithArgs("u1", "onboarding").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := svc.CreateCampaign(context.Background(), &campaign.Campaign{
		ID:       "onboarding",
		Flow:     "function(ctx, rt) end",
		Behavior: campaign.BehaviorStatic,
		Segments: []string{"active"},
	})
	if err != nil {
		t.Fatalf("CreateCampaign() error: %v", err)
	}
	if c.ID != "onboarding" {
		t.Errorf("campaign id = %q, want onboarding", c.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateCampaignRejectsUncompilableFlow(t *testing.T) {
	svc, mock, cleanup := setupService(t, nil)
	defer cleanup()

	_, err := svc.CreateCampaign(context.Background(), &campaign.Campaign{
		ID:       "broken",
		Flow:     "function(ctx, rt",
		Behavior: campaign.BehaviorStatic,
		Segments: []string{"active"},
	})
	var validation *faults.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}
