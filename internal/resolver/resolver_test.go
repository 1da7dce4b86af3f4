package resolver

import (
	"reflect"
	"strings"
	"testing"

	"github.com/taylojo5/theo-core/internal/model"
)

func completedStep(index int, result interface{}) model.Step {
	return model.Step{Index: index, ToolName: "tool", Status: model.StepStatusCompleted, Result: result}
}

func TestResolveWholeReferenceKeepsType(t *testing.T) {
	steps := []model.Step{completedStep(0, map[string]interface{}{"a": 1})}
	params := model.Params{"data": "{{step.0.output}}"}

	res := ResolveStepOutputs(params, steps)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Messages())
	}
	want := map[string]interface{}{"a": 1}
	if !reflect.DeepEqual(res.Parameters["data"], want) {
		t.Fatalf("data = %#v, want %#v", res.Parameters["data"], want)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].StepIndex != 0 {
		t.Fatalf("resolved = %#v", res.Resolved)
	}
	// The input tree must not be mutated.
	if params["data"] != "{{step.0.output}}" {
		t.Fatalf("input params mutated: %#v", params)
	}
}

func TestResolveEmbeddedReferenceCoercesToString(t *testing.T) {
	steps := []model.Step{completedStep(0, map[string]interface{}{"name": "Ada", "count": 3})}
	params := model.Params{
		"greeting": "Hello {{step.0.output.name}}!",
		"message":  "n={{step.0.output.count}}",
	}

	res := ResolveStepOutputs(params, steps)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Messages())
	}
	if got := res.Parameters["greeting"]; got != "Hello Ada!" {
		t.Fatalf("greeting = %v", got)
	}
	if got := res.Parameters["message"]; got != "n=3" {
		t.Fatalf("message = %v", got)
	}
}

func TestResolvePathNavigation(t *testing.T) {
	steps := []model.Step{completedStep(0, map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": "first"},
			map[string]interface{}{"id": "second"},
		},
	})}
	params := model.Params{"target": "{{step.0.output.items.1.id}}"}

	res := ResolveStepOutputs(params, steps)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Messages())
	}
	if got := res.Parameters["target"]; got != "second" {
		t.Fatalf("target = %v", got)
	}
}

func TestResolveNestedParameterTree(t *testing.T) {
	steps := []model.Step{completedStep(0, "hello")}
	params := model.Params{
		"outer": map[string]interface{}{
			"inner": []interface{}{"{{step.0.output}}", 42},
		},
	}

	res := ResolveStepOutputs(params, steps)
	outer := res.Parameters["outer"].(map[string]interface{})
	inner := outer["inner"].([]interface{})
	if inner[0] != "hello" || inner[1] != 42 {
		t.Fatalf("inner = %#v", inner)
	}
}

func TestResolveStepNotFound(t *testing.T) {
	steps := []model.Step{completedStep(0, "x"), completedStep(1, "y")}
	params := model.Params{"data": "{{step.5.output}}"}

	res := ResolveStepOutputs(params, steps)
	if got := res.Parameters["data"]; got != "{{step.5.output}}" {
		t.Fatalf("placeholder not preserved: %v", got)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
	e := res.Errors[0]
	if e.Code != ErrStepNotFound || e.StepIndex != 5 {
		t.Fatalf("error = %+v", e)
	}
	if e.Message != "Step 5 not found (plan has 2 steps)" {
		t.Fatalf("message = %q", e.Message)
	}
}

func TestResolveStepNotCompleted(t *testing.T) {
	steps := []model.Step{{Index: 0, ToolName: "tool", Status: model.StepStatusExecuting}}
	params := model.Params{"data": "{{step.0.output}}"}

	res := ResolveStepOutputs(params, steps)
	if got := res.Parameters["data"]; got != "{{step.0.output}}" {
		t.Fatalf("placeholder not preserved: %v", got)
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != ErrStepNotCompleted {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !strings.Contains(res.Errors[0].Message, "status: executing") {
		t.Fatalf("message = %q", res.Errors[0].Message)
	}
}

func TestResolvePathNotFound(t *testing.T) {
	steps := []model.Step{completedStep(0, map[string]interface{}{"a": 1})}
	params := model.Params{"data": "{{step.0.output.b.c}}"}

	res := ResolveStepOutputs(params, steps)
	if len(res.Errors) != 1 || res.Errors[0].Code != ErrPathNotFound {
		t.Fatalf("errors = %v", res.Errors)
	}
	if got := res.Parameters["data"]; got != "{{step.0.output.b.c}}" {
		t.Fatalf("placeholder not preserved: %v", got)
	}
}

func TestMalformedReferencesStayLiteral(t *testing.T) {
	steps := []model.Step{completedStep(0, "x")}
	for _, raw := range []string{
		"{{step..output}}",
		"{{step.a.output}}",
		"{{step.0.out}}",
		"{{step.0.output.}}",
		"step.0.output",
	} {
		res := ResolveStepOutputs(model.Params{"v": raw}, steps)
		if got := res.Parameters["v"]; got != raw {
			t.Fatalf("%q changed to %v", raw, got)
		}
		if len(res.Errors) != 0 {
			t.Fatalf("%q produced errors: %v", raw, res.Errors)
		}
	}
}

func TestValidateOutputReferences(t *testing.T) {
	params := model.Params{"data": "{{step.2.output}}"}

	// References must point at existing steps.
	errs := ValidateOutputReferences(params, 1, 2)
	if len(errs) != 1 || errs[0].Code != ErrInvalidReference {
		t.Fatalf("errs = %v", errs)
	}
	if errs[0].Message != "Step 1 references step 2, which does not exist" {
		t.Fatalf("message = %q", errs[0].Message)
	}

	// References must point strictly earlier.
	errs = ValidateOutputReferences(params, 2, 5)
	if len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
	if errs[0].Message != "Step 2 cannot reference step 2 (must reference earlier steps)" {
		t.Fatalf("message = %q", errs[0].Message)
	}

	if errs := ValidateOutputReferences(params, 3, 5); len(errs) != 0 {
		t.Fatalf("valid reference rejected: %v", errs)
	}
}

func TestHasOutputReferences(t *testing.T) {
	if HasOutputReferences(model.Params{"a": "plain"}) {
		t.Fatal("false positive")
	}
	nested := model.Params{"a": []interface{}{map[string]interface{}{"b": "{{step.0.output}}"}}}
	if !HasOutputReferences(nested) {
		t.Fatal("missed nested reference")
	}
}

func TestReferencedStepIndices(t *testing.T) {
	params := model.Params{
		"a": "{{step.3.output}} and {{step.1.output.x}}",
		"b": "{{step.1.output}}",
	}
	got := ReferencedStepIndices(params)
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("indices = %v", got)
	}
}
