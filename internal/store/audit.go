package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AgentActionRecord is one audit-log row describing an agent-side action.
type AgentActionRecord struct {
	ID             string
	UserID         string
	ConversationID string
	ActionType     string
	ActionCategory string
	EntityType     string
	EntityID       string
	Intent         string
	Reasoning      string
	Confidence     *float64
	InputSummary   string
	OutputSummary  string
	Status         string
}

// InsertAgentAction appends an audit-log entry and returns its id.
func (s *Store) InsertAgentAction(ctx context.Context, rec AgentActionRecord) (string, error) {
	if rec.UserID == "" {
		return "", fmt.Errorf("audit user_id required")
	}
	if rec.ActionType == "" {
		return "", fmt.Errorf("audit action_type required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	var confidence interface{}
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_actions (id, user_id, conversation_id, action_type, action_category, entity_type, entity_id,
  intent, reasoning, confidence, input_summary, output_summary, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`, rec.ID, rec.UserID, nullableString(rec.ConversationID), rec.ActionType, nullableString(rec.ActionCategory),
		nullableString(rec.EntityType), nullableString(rec.EntityID), nullableString(rec.Intent),
		nullableString(rec.Reasoning), confidence, nullableString(rec.InputSummary),
		nullableString(rec.OutputSummary), rec.Status)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}
