package model

import "testing"

func TestValidatePlanDocument(t *testing.T) {
	valid := []byte(`{
		"goal": "organize inbox",
		"confidence": 0.8,
		"steps": [
			{"index": 0, "tool_name": "search_email", "parameters": {"query": "unread"}},
			{"index": 1, "tool_name": "archive_email", "depends_on": [0]}
		]
	}`)
	if err := ValidatePlanDocument(valid); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	missingGoal := []byte(`{"steps": [{"index": 0, "tool_name": "t"}]}`)
	if err := ValidatePlanDocument(missingGoal); err == nil {
		t.Fatal("document without goal accepted")
	}

	emptySteps := []byte(`{"goal": "g", "steps": []}`)
	if err := ValidatePlanDocument(emptySteps); err == nil {
		t.Fatal("document without steps accepted")
	}

	badAssumption := []byte(`{
		"goal": "g",
		"assumptions": [{"category": "guess", "statement": "s"}],
		"steps": [{"index": 0, "tool_name": "t"}]
	}`)
	if err := ValidatePlanDocument(badAssumption); err == nil {
		t.Fatal("unknown assumption category accepted")
	}

	notJSON := []byte(`goal: nope`)
	if err := ValidatePlanDocument(notJSON); err == nil {
		t.Fatal("non-JSON payload accepted")
	}
}
