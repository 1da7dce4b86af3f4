package model

import (
	"fmt"
	"time"
)

// Approval statuses. Pending is the only non-terminal decision state.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
	ApprovalStatusExecuted = "executed"
	ApprovalStatusFailed   = "failed"
)

// Who resolved a pending approval.
const (
	ResolvedByUser       = "user"
	ResolvedByTimeout    = "timeout"
	ResolvedBySystem     = "system"
	ResolvedBySuperseded = "superseded"
)

// Risk levels drive the default approval expiration window.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Plan statuses.
const (
	PlanStatusPending          = "pending"
	PlanStatusAwaitingApproval = "awaiting_approval"
	PlanStatusExecuting        = "executing"
	PlanStatusCompleted        = "completed"
	PlanStatusFailed           = "failed"
	PlanStatusCancelled        = "cancelled"
	PlanStatusPaused           = "paused"
)

// Step statuses.
const (
	StepStatusPending   = "pending"
	StepStatusExecuting = "executing"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
	StepStatusCancelled = "cancelled"
)

// Assumption categories.
const (
	AssumptionIntent     = "intent"
	AssumptionContext    = "context"
	AssumptionPreference = "preference"
	AssumptionInference  = "inference"
)

// DefaultRiskExpirations maps a risk level to how long a pending approval
// stays actionable before the sweeper expires it.
var DefaultRiskExpirations = map[string]time.Duration{
	RiskLow:      24 * time.Hour,
	RiskMedium:   12 * time.Hour,
	RiskHigh:     4 * time.Hour,
	RiskCritical: 1 * time.Hour,
}

// Params is an arbitrary nested tool-parameter tree (maps, arrays, scalars).
type Params = map[string]interface{}

// Assumption is a statement the planning LLM relied on. It is duplicated
// onto the plan or approval that used it, not shared by reference.
type Assumption struct {
	Category   string   `json:"category"`
	Statement  string   `json:"statement"`
	Evidence   []string `json:"evidence,omitempty"`
	Confidence float64  `json:"confidence"`
	Verified   bool     `json:"verified,omitempty"`
	Correction string   `json:"correction,omitempty"`
}

// RollbackAction compensates a step's side effect.
type RollbackAction struct {
	ToolName   string `json:"tool_name"`
	Parameters Params `json:"parameters,omitempty"`
}

// Step is one tool invocation within a plan.
type Step struct {
	ID           string          `json:"id"`
	PlanID       string          `json:"plan_id"`
	Index        int             `json:"index"`
	ToolName     string          `json:"tool_name"`
	Parameters   Params          `json:"parameters,omitempty"`
	DependsOnIDs []string        `json:"depends_on_ids,omitempty"`
	DependsOn    []int           `json:"depends_on,omitempty"`
	Status       string          `json:"status"`
	ApprovalID   string          `json:"approval_id,omitempty"`
	Result       interface{}     `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Rollback     *RollbackAction `json:"rollback,omitempty"`
}

// Plan is a goal-directed ordered sequence of steps owned by one user.
type Plan struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Goal             string       `json:"goal"`
	GoalCategory     string       `json:"goal_category,omitempty"`
	Status           string       `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	RequiresApproval bool         `json:"requires_approval"`
	Reasoning        string       `json:"reasoning,omitempty"`
	Confidence       float64      `json:"confidence"`
	Assumptions      []Assumption `json:"assumptions,omitempty"`
	ConversationID   string       `json:"conversation_id,omitempty"`
	Steps            []Step       `json:"steps"`
	CreatedAt        time.Time    `json:"created_at"`
	ApprovedAt       *time.Time   `json:"approved_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// PlanRef ties an approval back to the step it gates.
type PlanRef struct {
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
}

// Approval is a time-boxed authorization request for one tool invocation.
// The plan link is by value; an approval stays auditable even if its plan
// is deleted.
type Approval struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	PlanID         string       `json:"plan_id,omitempty"`
	StepIndex      *int         `json:"step_index,omitempty"`
	ToolName       string       `json:"tool_name"`
	Parameters     Params       `json:"parameters,omitempty"`
	ActionType     string       `json:"action_type"`
	RiskLevel      string       `json:"risk_level"`
	Reasoning      string       `json:"reasoning,omitempty"`
	Confidence     float64      `json:"confidence"`
	Assumptions    []Assumption `json:"assumptions,omitempty"`
	Summary        string       `json:"summary,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Status         string       `json:"status"`
	RequestedAt    time.Time    `json:"requested_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty"`
	ResolvedBy     string       `json:"resolved_by,omitempty"`
	Feedback       string       `json:"feedback,omitempty"`
	ModifiedParams Params       `json:"modified_params,omitempty"`
	Result         interface{}  `json:"result,omitempty"`
	Error          string       `json:"error,omitempty"`
	AuditLogID     string       `json:"audit_log_id,omitempty"`
}

// EffectiveParameters overlays the user's sparse edits onto the proposed
// parameters. The merge is one level deep: an override key wins wholesale,
// unspecified keys keep their original value.
func (a *Approval) EffectiveParameters() Params {
	if len(a.ModifiedParams) == 0 {
		if a.Parameters == nil {
			return Params{}
		}
		out := make(Params, len(a.Parameters))
		for k, v := range a.Parameters {
			out[k] = v
		}
		return out
	}
	out := make(Params, len(a.Parameters)+len(a.ModifiedParams))
	for k, v := range a.Parameters {
		out[k] = v
	}
	for k, v := range a.ModifiedParams {
		out[k] = v
	}
	return out
}

// Decidable reports whether the approval can still be decided at t.
func (a *Approval) Decidable(t time.Time) bool {
	return a.Status == ApprovalStatusPending && !t.After(a.ExpiresAt)
}

// PlanRef returns the linked plan/step pair, if any.
func (a *Approval) PlanRef() *PlanRef {
	if a.PlanID == "" || a.StepIndex == nil {
		return nil
	}
	return &PlanRef{PlanID: a.PlanID, StepIndex: *a.StepIndex}
}

// ValidRiskLevel reports whether lvl is one of the known risk levels.
func ValidRiskLevel(lvl string) bool {
	_, ok := DefaultRiskExpirations[lvl]
	return ok
}

// ClampConfidence forces a confidence score into [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Validate checks the structural plan invariants: the step cursor stays
// within [0, len(steps)], step indexes are dense and unique, and every
// dependency points at a strictly earlier step.
func (p *Plan) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("plan user_id required")
	}
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex > len(p.Steps) {
		return fmt.Errorf("current_step_index %d out of range (plan has %d steps)", p.CurrentStepIndex, len(p.Steps))
	}
	seen := make(map[int]struct{}, len(p.Steps))
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.Index < 0 || st.Index >= len(p.Steps) {
			return fmt.Errorf("step index %d out of range", st.Index)
		}
		if _, dup := seen[st.Index]; dup {
			return fmt.Errorf("duplicate step index %d", st.Index)
		}
		seen[st.Index] = struct{}{}
		if st.ToolName == "" {
			return fmt.Errorf("step %d missing tool name", st.Index)
		}
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= st.Index {
				return fmt.Errorf("step %d cannot depend on step %d (must depend on earlier steps)", st.Index, dep)
			}
		}
	}
	return nil
}

// StepAt returns the step with the given order index.
func (p *Plan) StepAt(index int) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].Index == index {
			return &p.Steps[i], true
		}
	}
	return nil, false
}
