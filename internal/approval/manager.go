// Package approval owns the approval lifecycle: creation with risk-based
// expiration, decision processing, execution tracking, and the expiration
// sweep.
package approval

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/taylojo5/theo-core/internal/audit"
	"github.com/taylojo5/theo-core/internal/model"
)

// Decision is a user's verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// managerStore is the slice of the approval store the manager depends on.
type managerStore interface {
	CreateApproval(ctx context.Context, a model.Approval) (model.Approval, error)
	GetApprovalForUser(ctx context.Context, id, userID string) (model.Approval, bool, error)
	ApplyDecision(ctx context.Context, id, userID, status string, decidedAt time.Time, modifiedParams model.Params, feedback string) (model.Approval, bool, error)
	SetApprovalExecution(ctx context.Context, id, status string, result interface{}, errMsg string) (bool, error)
	SetApprovalAuditLog(ctx context.Context, id, auditLogID string) error
	GetPendingApprovalsForPlan(ctx context.Context, planID string) ([]model.Approval, error)
	CancelApprovalsForPlan(ctx context.Context, planID string, now time.Time) (int, error)
}

// Manager drives the approval state machine against the store.
type Manager struct {
	store       managerStore
	audit       audit.Sink
	logger      *log.Logger
	expirations map[string]time.Duration
	now         func() time.Time
}

// NewManager builds a Manager. A nil expirations table falls back to the
// risk-level defaults; a nil logger gets a prefixed stdlib logger.
func NewManager(st managerStore, sink audit.Sink, logger *log.Logger, expirations map[string]time.Duration) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags)
	}
	if expirations == nil {
		expirations = model.DefaultRiskExpirations
	}
	return &Manager{
		store:       st,
		audit:       sink,
		logger:      logger,
		expirations: expirations,
		now:         time.Now,
	}
}

// CreateInput carries everything needed to open an approval request.
type CreateInput struct {
	UserID         string
	ToolName       string
	Parameters     model.Params
	ActionType     string
	RiskLevel      string
	Reasoning      string
	Confidence     float64
	Assumptions    []model.Assumption
	Summary        string
	ConversationID string
	PlanID         string
	StepIndex      *int
	// ExpiresIn overrides the risk-level expiration when positive.
	ExpiresIn time.Duration
}

// Create persists a pending approval with its computed expiration, writes
// the requesting audit entry, and stores the audit id back on the record.
func (m *Manager) Create(ctx context.Context, in CreateInput) (model.Approval, error) {
	if !model.ValidRiskLevel(in.RiskLevel) {
		return model.Approval{}, fmt.Errorf("unknown risk level %q", in.RiskLevel)
	}
	now := m.now().UTC()
	ttl := m.expirations[in.RiskLevel]
	if in.ExpiresIn > 0 {
		ttl = in.ExpiresIn
	}
	a := model.Approval{
		UserID:         in.UserID,
		PlanID:         in.PlanID,
		StepIndex:      in.StepIndex,
		ToolName:       in.ToolName,
		Parameters:     in.Parameters,
		ActionType:     in.ActionType,
		RiskLevel:      in.RiskLevel,
		Reasoning:      in.Reasoning,
		Confidence:     model.ClampConfidence(in.Confidence),
		Assumptions:    in.Assumptions,
		Summary:        in.Summary,
		ConversationID: in.ConversationID,
		Status:         model.ApprovalStatusPending,
		RequestedAt:    now,
		ExpiresAt:      now.Add(ttl),
	}
	created, err := m.store.CreateApproval(ctx, a)
	if err != nil {
		return model.Approval{}, err
	}

	confidence := created.Confidence
	auditID, err := m.audit.LogAgentAction(ctx, audit.Entry{
		UserID:         created.UserID,
		ConversationID: created.ConversationID,
		ActionType:     "approval_requested",
		ActionCategory: created.ActionType,
		EntityType:     "approval",
		EntityID:       created.ID,
		Intent:         created.Summary,
		Reasoning:      created.Reasoning,
		Confidence:     &confidence,
		InputSummary:   fmt.Sprintf("tool=%s risk=%s expires=%s", created.ToolName, created.RiskLevel, created.ExpiresAt.Format(time.RFC3339)),
		Status:         model.ApprovalStatusPending,
	})
	if err != nil {
		return model.Approval{}, fmt.Errorf("audit approval request: %w", err)
	}
	if err := m.store.SetApprovalAuditLog(ctx, created.ID, auditID); err != nil {
		return model.Approval{}, err
	}
	created.AuditLogID = auditID
	return created, nil
}

// DecideOptions carries the optional payload of a decision.
type DecideOptions struct {
	// ModifiedParams is a sparse override merged key-wise onto the original
	// parameters when approving.
	ModifiedParams model.Params
	// Feedback is free-form text stored with a rejection.
	Feedback string
}

// DecideResult bundles the outcome of a successful decision.
type DecideResult struct {
	Approval model.Approval `json:"approval"`
	// ShouldExecute is true iff the decision was an approval.
	ShouldExecute bool `json:"should_execute"`
	// EffectiveParameters are the parameters the executor must use:
	// originals overlaid with any user edits.
	EffectiveParameters model.Params `json:"effective_parameters"`
	// Plan identifies the gated step when the approval is plan-linked, so
	// the caller can resume execution there.
	Plan *model.PlanRef `json:"plan,omitempty"`
}

// Decide applies a user's decision to a pending, unexpired approval.
//
// A nil result with a nil error means the approval was not decidable: it
// does not exist, is not owned by the user, was already decided, or has
// expired. Callers wanting the precise reason must re-fetch and inspect
// status; the ambiguity is deliberate.
func (m *Manager) Decide(ctx context.Context, userID, approvalID string, decision Decision, opts DecideOptions) (*DecideResult, error) {
	existing, ok, err := m.store.GetApprovalForUser(ctx, approvalID, userID)
	if err != nil {
		return nil, err
	}
	if !ok || existing.Status != model.ApprovalStatusPending {
		return nil, nil
	}
	now := m.now().UTC()
	if now.After(existing.ExpiresAt) {
		// Expired but not yet swept. Leave the flip to the sweeper.
		return nil, nil
	}

	var status string
	switch decision {
	case DecisionApprove:
		status = model.ApprovalStatusApproved
	case DecisionReject:
		status = model.ApprovalStatusRejected
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	// Parameter overrides only make sense on an approval, feedback only on
	// a rejection.
	var modified model.Params
	var feedback string
	switch decision {
	case DecisionApprove:
		modified = opts.ModifiedParams
	case DecisionReject:
		feedback = opts.Feedback
	}
	updated, applied, err := m.store.ApplyDecision(ctx, approvalID, userID, status, now, modified, feedback)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost the race against a concurrent sweep or rival decision.
		return nil, nil
	}

	confidence := updated.Confidence
	entry := audit.Entry{
		UserID:         updated.UserID,
		ConversationID: updated.ConversationID,
		ActionType:     "approval_" + status,
		ActionCategory: updated.ActionType,
		EntityType:     "approval",
		EntityID:       updated.ID,
		Intent:         updated.Summary,
		Confidence:     &confidence,
		Status:         status,
	}
	if decision == DecisionApprove && len(updated.ModifiedParams) > 0 {
		entry.InputSummary = fmt.Sprintf("user modified %d parameter(s)", len(updated.ModifiedParams))
	}
	if decision == DecisionReject && updated.Feedback != "" {
		entry.InputSummary = "feedback: " + updated.Feedback
	}
	auditID, err := m.audit.LogAgentAction(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("audit approval decision: %w", err)
	}
	if err := m.store.SetApprovalAuditLog(ctx, updated.ID, auditID); err != nil {
		return nil, err
	}
	updated.AuditLogID = auditID

	return &DecideResult{
		Approval:            updated,
		ShouldExecute:       status == model.ApprovalStatusApproved,
		EffectiveParameters: updated.EffectiveParameters(),
		Plan:                updated.PlanRef(),
	}, nil
}

// MarkExecuted records a successful execution of an approved action.
func (m *Manager) MarkExecuted(ctx context.Context, approvalID string, result interface{}) error {
	ok, err := m.store.SetApprovalExecution(ctx, approvalID, model.ApprovalStatusExecuted, result, "")
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Printf("markExecuted: approval %s not in an executable state", approvalID)
	}
	return nil
}

// MarkFailed records a failed execution of an approved action.
func (m *Manager) MarkFailed(ctx context.Context, approvalID, errMsg string) error {
	ok, err := m.store.SetApprovalExecution(ctx, approvalID, model.ApprovalStatusFailed, nil, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Printf("markFailed: approval %s not in an executable state", approvalID)
	}
	return nil
}

// GetPendingForPlan lists the pending approvals gating a plan's steps.
func (m *Manager) GetPendingForPlan(ctx context.Context, planID string) ([]model.Approval, error) {
	return m.store.GetPendingApprovalsForPlan(ctx, planID)
}

// CancelForPlan bulk-rejects every pending approval linked to a plan and
// returns how many were cancelled.
func (m *Manager) CancelForPlan(ctx context.Context, planID string) (int, error) {
	return m.store.CancelApprovalsForPlan(ctx, planID, m.now().UTC())
}
