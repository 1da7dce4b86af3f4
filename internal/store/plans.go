package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/taylojo5/theo-core/internal/model"
)

// CreatePlan persists a plan and its steps in one transaction.
func (s *Store) CreatePlan(ctx context.Context, p model.Plan) (model.Plan, error) {
	if err := p.Validate(); err != nil {
		return model.Plan{}, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.PlanStatusPending
	}
	assumptions, err := json.Marshal(p.Assumptions)
	if err != nil {
		return model.Plan{}, fmt.Errorf("marshal assumptions: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Plan{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
INSERT INTO plans (id, user_id, goal, goal_category, status, current_step_index, requires_approval,
  reasoning, confidence, assumptions, conversation_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING created_at
`, p.ID, p.UserID, p.Goal, nullableString(p.GoalCategory), p.Status, p.CurrentStepIndex, p.RequiresApproval,
		nullableString(p.Reasoning), p.Confidence, defaultJSON(assumptions), nullableString(p.ConversationID))
	if err = row.Scan(&p.CreatedAt); err != nil {
		return model.Plan{}, err
	}

	for i := range p.Steps {
		st := &p.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.PlanID = p.ID
		if st.Status == "" {
			st.Status = model.StepStatusPending
		}
		var params, rollback []byte
		if params, err = json.Marshal(st.Parameters); err != nil {
			return model.Plan{}, fmt.Errorf("marshal step %d parameters: %w", st.Index, err)
		}
		if st.Rollback != nil {
			if rollback, err = json.Marshal(st.Rollback); err != nil {
				return model.Plan{}, fmt.Errorf("marshal step %d rollback: %w", st.Index, err)
			}
		}
		var rollbackArg interface{}
		if len(rollback) > 0 {
			rollbackArg = rollback
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO plan_steps (id, plan_id, step_index, tool_name, parameters, depends_on_ids, depends_on, status, rollback)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, st.ID, st.PlanID, st.Index, st.ToolName, defaultJSON(params),
			pq.Array(st.DependsOnIDs), pq.Array(st.DependsOn), st.Status, rollbackArg); err != nil {
			return model.Plan{}, fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return model.Plan{}, err
	}
	return p, nil
}

// GetPlan fetches a plan with its steps ordered by index.
func (s *Store) GetPlan(ctx context.Context, id string) (model.Plan, bool, error) {
	return s.getPlan(ctx, `WHERE id=$1`, id)
}

// GetPlanForUser fetches a plan owned by the given user.
func (s *Store) GetPlanForUser(ctx context.Context, id, userID string) (model.Plan, bool, error) {
	return s.getPlan(ctx, `WHERE id=$1 AND user_id=$2`, id, userID)
}

func (s *Store) getPlan(ctx context.Context, where string, args ...interface{}) (model.Plan, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, goal, goal_category, status, current_step_index, requires_approval,
  reasoning, confidence, assumptions, conversation_id, created_at, approved_at, completed_at
FROM plans
`+where, args...)
	var (
		p              model.Plan
		goalCategory   sql.NullString
		reasoning      sql.NullString
		assumptionJSON []byte
		conversationID sql.NullString
		approvedAt     sql.NullTime
		completedAt    sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Goal, &goalCategory, &p.Status, &p.CurrentStepIndex, &p.RequiresApproval,
		&reasoning, &p.Confidence, &assumptionJSON, &conversationID, &p.CreatedAt, &approvedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Plan{}, false, nil
		}
		return model.Plan{}, false, err
	}
	if goalCategory.Valid {
		p.GoalCategory = goalCategory.String
	}
	if reasoning.Valid {
		p.Reasoning = reasoning.String
	}
	if len(assumptionJSON) > 0 {
		if err := json.Unmarshal(assumptionJSON, &p.Assumptions); err != nil {
			return model.Plan{}, false, fmt.Errorf("decode assumptions: %w", err)
		}
	}
	if conversationID.Valid {
		p.ConversationID = conversationID.String
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		p.ApprovedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}

	steps, err := s.getPlanSteps(ctx, p.ID)
	if err != nil {
		return model.Plan{}, false, err
	}
	p.Steps = steps
	return p, true, nil
}

func (s *Store) getPlanSteps(ctx context.Context, planID string) ([]model.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plan_id, step_index, tool_name, parameters, depends_on_ids, depends_on, status, approval_id, result, error, rollback
FROM plan_steps
WHERE plan_id=$1
ORDER BY step_index ASC
`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var (
			st           model.Step
			paramsJSON   []byte
			dependsOnIDs pq.StringArray
			dependsOn    pq.Int64Array
			approvalID   sql.NullString
			resultJSON   []byte
			errMsg       sql.NullString
			rollbackJSON []byte
		)
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Index, &st.ToolName, &paramsJSON, &dependsOnIDs, &dependsOn,
			&st.Status, &approvalID, &resultJSON, &errMsg, &rollbackJSON); err != nil {
			return nil, err
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &st.Parameters); err != nil {
				return nil, fmt.Errorf("decode step %d parameters: %w", st.Index, err)
			}
		}
		st.DependsOnIDs = dependsOnIDs
		st.DependsOn = make([]int, len(dependsOn))
		for i, v := range dependsOn {
			st.DependsOn[i] = int(v)
		}
		if approvalID.Valid {
			st.ApprovalID = approvalID.String
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &st.Result); err != nil {
				return nil, fmt.Errorf("decode step %d result: %w", st.Index, err)
			}
		}
		if errMsg.Valid {
			st.Error = errMsg.String
		}
		if len(rollbackJSON) > 0 {
			if err := json.Unmarshal(rollbackJSON, &st.Rollback); err != nil {
				return nil, fmt.Errorf("decode step %d rollback: %w", st.Index, err)
			}
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SetPlanStatus updates a plan's status, stamping approval/completion times
// where the status implies them.
func (s *Store) SetPlanStatus(ctx context.Context, id, status string, now time.Time) error {
	var stampCol string
	switch status {
	case model.PlanStatusExecuting:
		stampCol = "approved_at"
	case model.PlanStatusCompleted, model.PlanStatusFailed, model.PlanStatusCancelled:
		stampCol = "completed_at"
	}
	q := `UPDATE plans SET status=$1`
	args := []interface{}{status, id}
	if stampCol != "" {
		args = []interface{}{status, now, id}
		q += `, ` + stampCol + `=$2 WHERE id=$3`
	} else {
		q += ` WHERE id=$2`
	}
	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	} else if err != nil {
		return err
	}
	return nil
}

// AdvancePlanCursor moves the current step pointer.
func (s *Store) AdvancePlanCursor(ctx context.Context, id string, index int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE plans SET current_step_index=$1 WHERE id=$2`, index, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	} else if err != nil {
		return err
	}
	return nil
}

// SetStepStatus records a step's status and, optionally, its result or error.
func (s *Store) SetStepStatus(ctx context.Context, planID string, index int, status string, result interface{}, errMsg string) error {
	if strings.TrimSpace(planID) == "" {
		return fmt.Errorf("plan_id required")
	}
	var resultJSON interface{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal step result: %w", err)
		}
		resultJSON = b
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE plan_steps
SET status=$1, result=COALESCE($2, result), error=$3
WHERE plan_id=$4 AND step_index=$5
`, status, resultJSON, nullableString(errMsg), planID, index)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("step %d of plan %s not found", index, planID)
	}
	return nil
}

// SetStepApproval links a step to the approval gating it.
func (s *Store) SetStepApproval(ctx context.Context, planID string, index int, approvalID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE plan_steps SET approval_id=$1, status=$2 WHERE plan_id=$3 AND step_index=$4
`, approvalID, model.StepStatusPending, planID, index)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("step %d of plan %s not found", index, planID)
	}
	return nil
}
