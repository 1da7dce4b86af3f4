// Package audit defines the audit-log sink consumed by the approval engine.
package audit

import (
	"context"

	"github.com/taylojo5/theo-core/internal/store"
)

// Entry captures one agent action for the audit trail.
type Entry struct {
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

// Sink records audit entries. LogAgentAction is fire-and-waited for approval
// creation and decisions: the returned id is stored back on the approval.
type Sink interface {
	LogAgentAction(ctx context.Context, e Entry) (string, error)
}

// StoreSink writes audit entries to the Postgres store.
type StoreSink struct {
	Store *store.Store
}

func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{Store: st}
}

func (s *StoreSink) LogAgentAction(ctx context.Context, e Entry) (string, error) {
	return s.Store.InsertAgentAction(ctx, store.AgentActionRecord{
		UserID:         e.UserID,
		ConversationID: e.ConversationID,
		ActionType:     e.ActionType,
		ActionCategory: e.ActionCategory,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Intent:         e.Intent,
		Reasoning:      e.Reasoning,
		Confidence:     e.Confidence,
		InputSummary:   e.InputSummary,
		OutputSummary:  e.OutputSummary,
		Status:         e.Status,
	})
}
