package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/taylojo5/theo-core/internal/model"
)

func TestCreatePlanInsertsStepsTransactionally(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO plans (id, user_id, goal, goal_category, status, current_step_index, requires_approval,
  reasoning, confidence, assumptions, conversation_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING created_at
`)).
		WithArgs(sqlmock.AnyArg(), "u1", "organize inbox", sqlmock.AnyArg(), "pending", 0, true,
			sqlmock.AnyArg(), 0.9, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	stepInsert := regexp.QuoteMeta(`
INSERT INTO plan_steps (id, plan_id, step_index, tool_name, parameters, depends_on_ids, depends_on, status, rollback)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`)
	mock.ExpectExec(stepInsert).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 0, "search_email", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stepInsert).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1, "archive_email", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "pending", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	plan, err := st.CreatePlan(context.Background(), model.Plan{
		UserID:           "u1",
		Goal:             "organize inbox",
		RequiresApproval: true,
		Confidence:       0.9,
		Steps: []model.Step{
			{Index: 0, ToolName: "search_email", Parameters: model.Params{"query": "unread"}},
			{Index: 1, ToolName: "archive_email", DependsOn: []int{0}},
		},
	})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if plan.ID == "" || plan.Status != model.PlanStatusPending {
		t.Fatalf("plan = %+v", plan)
	}
	if !plan.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v", plan.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreatePlanRejectsInvalidPlan(t *testing.T) {
	st := &Store{}
	_, err := st.CreatePlan(context.Background(), model.Plan{
		UserID: "u1",
		Goal:   "g",
		Steps:  []model.Step{{Index: 0, ToolName: "t", DependsOn: []int{0}}},
	})
	if err == nil {
		t.Fatal("self-dependency accepted")
	}
}

func TestSetPlanStatusStampsTimes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET status=$1, approved_at=$2 WHERE id=$3`)).
		WithArgs("executing", now, "plan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SetPlanStatus(context.Background(), "plan-1", model.PlanStatusExecuting, now); err != nil {
		t.Fatalf("SetPlanStatus executing: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET status=$1, completed_at=$2 WHERE id=$3`)).
		WithArgs("cancelled", now, "plan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SetPlanStatus(context.Background(), "plan-1", model.PlanStatusCancelled, now); err != nil {
		t.Fatalf("SetPlanStatus cancelled: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET status=$1 WHERE id=$2`)).
		WithArgs("paused", "plan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SetPlanStatus(context.Background(), "plan-1", model.PlanStatusPaused, now); err != nil {
		t.Fatalf("SetPlanStatus paused: %v", err)
	}

	mock.ExpectExec("UPDATE plans SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := st.SetPlanStatus(context.Background(), "missing", model.PlanStatusPaused, now); err != sql.ErrNoRows {
		t.Fatalf("missing plan err = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAdvancePlanCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET current_step_index=$1 WHERE id=$2`)).
		WithArgs(2, "plan-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.AdvancePlanCursor(context.Background(), "plan-1", 2); err != nil {
		t.Fatalf("AdvancePlanCursor: %v", err)
	}
}

func TestSetStepStatusKeepsResultWhenNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	query := regexp.QuoteMeta(`
UPDATE plan_steps
SET status=$1, result=COALESCE($2, result), error=$3
WHERE plan_id=$4 AND step_index=$5
`)
	mock.ExpectExec(query).
		WithArgs("completed", []byte(`{"count":7}`), nil, "plan-1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SetStepStatus(context.Background(), "plan-1", 0, model.StepStatusCompleted,
		map[string]interface{}{"count": 7}, ""); err != nil {
		t.Fatalf("SetStepStatus: %v", err)
	}

	// A nil result leaves the stored result untouched via COALESCE.
	mock.ExpectExec(query).
		WithArgs("failed", nil, "tool crashed", "plan-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.SetStepStatus(context.Background(), "plan-1", 1, model.StepStatusFailed, nil, "tool crashed"); err != nil {
		t.Fatalf("SetStepStatus failed: %v", err)
	}

	mock.ExpectExec(query).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := st.SetStepStatus(context.Background(), "plan-1", 9, model.StepStatusCompleted, nil, ""); err == nil {
		t.Fatal("missing step accepted")
	}
}
