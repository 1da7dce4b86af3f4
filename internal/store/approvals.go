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
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/taylojo5/theo-core/internal/model"
)

const approvalColumns = `id, user_id, plan_id, step_index, tool_name, parameters, action_type, risk_level,
reasoning, confidence, assumptions, summary, conversation_id, status, requested_at, expires_at,
decided_at, resolved_by, feedback, modified_params, result, error, audit_log_id`

// ApprovalFilter narrows approval queries. Zero values are ignored.
type ApprovalFilter struct {
	Statuses       []string
	ConversationID string
	PlanID         string
	IncludeExpired bool
	Limit          int
	Offset         int
	SortAsc        bool
}

// CreateApproval persists a new approval record and returns it with the
// generated id and requested_at stamp.
func (s *Store) CreateApproval(ctx context.Context, a model.Approval) (model.Approval, error) {
	if a.UserID == "" {
		return model.Approval{}, fmt.Errorf("approval user_id required")
	}
	if a.ToolName == "" {
		return model.Approval{}, fmt.Errorf("approval tool_name required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.ApprovalStatusPending
	}
	var stepIndex interface{}
	if a.StepIndex != nil {
		stepIndex = *a.StepIndex
	}
	assumptions, err := json.Marshal(a.Assumptions)
	if err != nil {
		return model.Approval{}, fmt.Errorf("marshal assumptions: %w", err)
	}
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return model.Approval{}, fmt.Errorf("marshal parameters: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO approvals (id, user_id, plan_id, step_index, tool_name, parameters, action_type, risk_level,
  reasoning, confidence, assumptions, summary, conversation_id, status, requested_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
RETURNING requested_at
`, a.ID, a.UserID, nullableString(a.PlanID), stepIndex, a.ToolName, defaultJSON(params), a.ActionType, a.RiskLevel,
		nullableString(a.Reasoning), a.Confidence, defaultJSON(assumptions), nullableString(a.Summary),
		nullableString(a.ConversationID), a.Status, a.RequestedAt, a.ExpiresAt)
	if err := row.Scan(&a.RequestedAt); err != nil {
		return model.Approval{}, err
	}
	return a, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (model.Approval, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+approvalColumns+`
FROM approvals
WHERE id=$1
`, id)
	return scanApproval(row)
}

// GetApprovalForUser fetches an approval owned by the given user. A record
// owned by someone else reads as absent.
func (s *Store) GetApprovalForUser(ctx context.Context, id, userID string) (model.Approval, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+approvalColumns+`
FROM approvals
WHERE id=$1 AND user_id=$2
`, id, userID)
	return scanApproval(row)
}

// GetPendingApprovals lists a user's pending approvals, newest first unless
// the filter asks otherwise.
func (s *Store) GetPendingApprovals(ctx context.Context, userID string, f ApprovalFilter) ([]model.Approval, error) {
	f.Statuses = []string{model.ApprovalStatusPending}
	return s.QueryApprovals(ctx, userID, f)
}

// GetPendingApprovalsForPlan lists pending approvals linked to one plan.
func (s *Store) GetPendingApprovalsForPlan(ctx context.Context, planID string) ([]model.Approval, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+approvalColumns+`
FROM approvals
WHERE plan_id=$1 AND status='pending'
ORDER BY step_index ASC NULLS LAST, requested_at ASC
`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// QueryApprovals runs a filtered, paginated approval query for one user.
func (s *Store) QueryApprovals(ctx context.Context, userID string, f ApprovalFilter) ([]model.Approval, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user_id required")
	}
	where := []string{"user_id=$1"}
	args := []interface{}{userID}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(f.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		where = append(where, fmt.Sprintf("conversation_id=$%d", len(args)))
	}
	if f.PlanID != "" {
		args = append(args, f.PlanID)
		where = append(where, fmt.Sprintf("plan_id=$%d", len(args)))
	}
	if !f.IncludeExpired {
		where = append(where, "status <> 'expired'")
	}
	order := "DESC"
	if f.SortAsc {
		order = "ASC"
	}
	q := `
SELECT ` + approvalColumns + `
FROM approvals
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY requested_at ` + order
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// ApplyDecision conditionally flips a pending, unexpired approval owned by
// userID to the given terminal decision status. The status precondition is
// enforced in the UPDATE itself so a concurrent sweep or rival decision
// loses cleanly: ok=false means the approval was no longer decidable.
func (s *Store) ApplyDecision(ctx context.Context, id, userID, status string, decidedAt time.Time, modifiedParams model.Params, feedback string) (model.Approval, bool, error) {
	if status != model.ApprovalStatusApproved && status != model.ApprovalStatusRejected {
		return model.Approval{}, false, fmt.Errorf("invalid decision status %q", status)
	}
	var paramsJSON interface{}
	if modifiedParams != nil {
		b, err := json.Marshal(modifiedParams)
		if err != nil {
			return model.Approval{}, false, fmt.Errorf("marshal modified params: %w", err)
		}
		paramsJSON = b
	}
	row := s.DB.QueryRowContext(ctx, `
UPDATE approvals
SET status=$1,
    decided_at=$2,
    resolved_by='user',
    modified_params=$3,
    feedback=$4
WHERE id=$5 AND user_id=$6 AND status='pending' AND expires_at >= $2
RETURNING `+approvalColumns+`
`, status, decidedAt, paramsJSON, nullableString(feedback), id, userID)
	a, ok, err := scanApproval(row)
	if err != nil || !ok {
		return model.Approval{}, false, err
	}
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && decisionCounter != nil {
		decisionCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("decision", status)))
	}
	return a, true, nil
}

// SetApprovalExecution records the outcome of executing an approved action.
// Repeat calls overwrite; a single external executor owns this transition.
func (s *Store) SetApprovalExecution(ctx context.Context, id, status string, result interface{}, errMsg string) (bool, error) {
	if status != model.ApprovalStatusExecuted && status != model.ApprovalStatusFailed {
		return false, fmt.Errorf("invalid execution status %q", status)
	}
	var resultJSON interface{}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE approvals
SET status=$1, result=$2, error=$3
WHERE id=$4 AND status IN ('approved','executed','failed')
`, status, resultJSON, nullableString(errMsg), id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetApprovalAuditLog stores the audit entry id emitted for this approval.
func (s *Store) SetApprovalAuditLog(ctx context.Context, id, auditLogID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE approvals SET audit_log_id=$1 WHERE id=$2`, auditLogID, id)
	return err
}

// ExpireStale transitions overdue pending approvals to expired in one
// conditional bulk update and reports the distinct plan ids affected.
// The inner SELECT bounds the batch; the outer status check guarantees two
// concurrent sweeps cannot both claim a row. limit <= 0 means unbounded.
func (s *Store) ExpireStale(ctx context.Context, now time.Time, limit int) (int, []string, error) {
	q := `
UPDATE approvals
SET status='expired', resolved_by='timeout', decided_at=$1
WHERE status='pending' AND id IN (
  SELECT id FROM approvals
  WHERE status='pending' AND expires_at < $1
  ORDER BY expires_at ASC
`
	args := []interface{}{now}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("  LIMIT $%d\n", len(args))
	}
	q += `  FOR UPDATE SKIP LOCKED
)
RETURNING plan_id
`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	count := 0
	planSet := map[string]struct{}{}
	for rows.Next() {
		var planID sql.NullString
		if err := rows.Scan(&planID); err != nil {
			return 0, nil, err
		}
		count++
		if planID.Valid {
			planSet[planID.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	planIDs := make([]string, 0, len(planSet))
	for id := range planSet {
		planIDs = append(planIDs, id)
	}
	if count > 0 {
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil && expiredCounter != nil {
			expiredCounter.Add(ctx, int64(count))
		}
	}
	return count, planIDs, nil
}

// ApproachingExpirations returns ids of pending approvals whose expiry falls
// inside the warning window. Read-only.
func (s *Store) ApproachingExpirations(ctx context.Context, now time.Time, window time.Duration) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM approvals
WHERE status='pending' AND expires_at >= $1 AND expires_at < $2
ORDER BY expires_at ASC
`, now, now.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelApprovalsForPlan bulk-rejects every pending approval linked to a
// plan, e.g. when the plan itself is cancelled.
func (s *Store) CancelApprovalsForPlan(ctx context.Context, planID string, now time.Time) (int, error) {
	if strings.TrimSpace(planID) == "" {
		return 0, fmt.Errorf("plan_id required")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE approvals
SET status='rejected', resolved_by='system', decided_at=$1
WHERE plan_id=$2 AND status='pending'
`, now, planID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountApprovalsByStatus returns per-status approval counts for one user.
func (s *Store) CountApprovalsByStatus(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT status, COUNT(*) FROM approvals WHERE user_id=$1 GROUP BY status
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (model.Approval, bool, error) {
	var (
		a              model.Approval
		planID         sql.NullString
		stepIndex      sql.NullInt64
		paramsJSON     []byte
		reasoning      sql.NullString
		assumptionJSON []byte
		summary        sql.NullString
		conversationID sql.NullString
		decidedAt      sql.NullTime
		resolvedBy     sql.NullString
		feedback       sql.NullString
		modifiedJSON   []byte
		resultJSON     []byte
		errMsg         sql.NullString
		auditLogID     sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &planID, &stepIndex, &a.ToolName, &paramsJSON, &a.ActionType, &a.RiskLevel,
		&reasoning, &a.Confidence, &assumptionJSON, &summary, &conversationID, &a.Status, &a.RequestedAt, &a.ExpiresAt,
		&decidedAt, &resolvedBy, &feedback, &modifiedJSON, &resultJSON, &errMsg, &auditLogID)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Approval{}, false, nil
		}
		return model.Approval{}, false, err
	}
	if planID.Valid {
		a.PlanID = planID.String
	}
	if stepIndex.Valid {
		idx := int(stepIndex.Int64)
		a.StepIndex = &idx
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &a.Parameters); err != nil {
			return model.Approval{}, false, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if reasoning.Valid {
		a.Reasoning = reasoning.String
	}
	if len(assumptionJSON) > 0 {
		if err := json.Unmarshal(assumptionJSON, &a.Assumptions); err != nil {
			return model.Approval{}, false, fmt.Errorf("decode assumptions: %w", err)
		}
	}
	if summary.Valid {
		a.Summary = summary.String
	}
	if conversationID.Valid {
		a.ConversationID = conversationID.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	if resolvedBy.Valid {
		a.ResolvedBy = resolvedBy.String
	}
	if feedback.Valid {
		a.Feedback = feedback.String
	}
	if len(modifiedJSON) > 0 {
		if err := json.Unmarshal(modifiedJSON, &a.ModifiedParams); err != nil {
			return model.Approval{}, false, fmt.Errorf("decode modified params: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &a.Result); err != nil {
			return model.Approval{}, false, fmt.Errorf("decode result: %w", err)
		}
	}
	if errMsg.Valid {
		a.Error = errMsg.String
	}
	if auditLogID.Valid {
		a.AuditLogID = auditLogID.String
	}
	return a, true, nil
}

func scanApprovals(rows *sql.Rows) ([]model.Approval, error) {
	var out []model.Approval
	for rows.Next() {
		a, _, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
