package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/taylojo5/theo-core/internal/model"
)

// RedactedValue replaces parameter values whose key looks sensitive.
const RedactedValue = "[REDACTED]"

var sensitiveKeywords = []string{"password", "token", "secret", "key", "apikey"}

const urgentWindow = 30 * time.Minute

// View is the UI-safe rendering of an approval.
type View struct {
	ID            string       `json:"id"`
	ToolName      string       `json:"tool_name"`
	ActionType    string       `json:"action_type"`
	RiskLevel     string       `json:"risk_level"`
	Summary       string       `json:"summary,omitempty"`
	Reasoning     string       `json:"reasoning,omitempty"`
	Confidence    string       `json:"confidence"`
	Parameters    model.Params `json:"parameters,omitempty"`
	Status        string       `json:"status"`
	RequestedAt   time.Time    `json:"requested_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	TimeRemaining string       `json:"time_remaining"`
	IsUrgent      bool         `json:"is_urgent"`
}

// FormatForDisplay produces the UI view of an approval: percent confidence,
// a coarse time-remaining bucket, an urgency flag, and parameters with
// sensitive values redacted. Pure; now is injected for testability.
func FormatForDisplay(a *model.Approval, now time.Time) View {
	remaining := a.ExpiresAt.Sub(now)
	return View{
		ID:            a.ID,
		ToolName:      a.ToolName,
		ActionType:    a.ActionType,
		RiskLevel:     a.RiskLevel,
		Summary:       a.Summary,
		Reasoning:     a.Reasoning,
		Confidence:    fmt.Sprintf("%.0f%%", a.Confidence*100),
		Parameters:    SanitizeParams(a.Parameters),
		Status:        a.Status,
		RequestedAt:   a.RequestedAt,
		ExpiresAt:     a.ExpiresAt,
		TimeRemaining: formatRemaining(remaining),
		IsUrgent:      remaining < urgentWindow,
	}
}

func formatRemaining(d time.Duration) string {
	switch {
	case d <= 0:
		return "expired"
	case d >= time.Hour:
		return fmt.Sprintf("%dh remaining", int(d.Hours()))
	case d >= 5*time.Minute:
		return fmt.Sprintf("%dm remaining", int(d.Minutes()))
	default:
		return "expiring soon"
	}
}

// SanitizeParams returns a copy of params with values redacted wherever the
// key contains a sensitive keyword, recursing into nested objects.
func SanitizeParams(params model.Params) model.Params {
	if params == nil {
		return nil
	}
	out := make(model.Params, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return SanitizeParams(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveKeywords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
