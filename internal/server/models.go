package server

import (
	"encoding/json"

	"github.com/taylojo5/theo-core/internal/model"
)

// HTTPError is the unified error payload.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type createApprovalRequest struct {
	ToolName       string             `json:"tool_name"`
	Parameters     model.Params       `json:"parameters"`
	ActionType     string             `json:"action_type"`
	RiskLevel      string             `json:"risk_level"`
	Reasoning      string             `json:"reasoning"`
	Confidence     float64            `json:"confidence"`
	Assumptions    []model.Assumption `json:"assumptions"`
	Summary        string             `json:"summary"`
	ConversationID string             `json:"conversation_id"`
	PlanID         string             `json:"plan_id"`
	StepIndex      *int               `json:"step_index"`
	ExpiresIn      string             `json:"expires_in"`
}

type decisionRequest struct {
	Decision       string       `json:"decision"`
	ModifiedParams model.Params `json:"modified_params"`
	Feedback       string       `json:"feedback"`
}

type executionResultRequest struct {
	Status string      `json:"status"`
	Result interface{} `json:"result"`
	Error  string      `json:"error"`
}

type planCreateRequest struct {
	Plan json.RawMessage `json:"plan"`
}

type planDocument struct {
	Goal             string             `json:"goal"`
	GoalCategory     string             `json:"goal_category"`
	Reasoning        string             `json:"reasoning"`
	Confidence       float64            `json:"confidence"`
	RequiresApproval bool               `json:"requires_approval"`
	ConversationID   string             `json:"conversation_id"`
	Assumptions      []model.Assumption `json:"assumptions"`
	Steps            []planStepDocument `json:"steps"`
}

type planStepDocument struct {
	Index      int                   `json:"index"`
	ToolName   string                `json:"tool_name"`
	Parameters model.Params          `json:"parameters"`
	DependsOn  []int                 `json:"depends_on"`
	Rollback   *model.RollbackAction `json:"rollback"`
}
