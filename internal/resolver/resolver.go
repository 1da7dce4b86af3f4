// Package resolver wires step outputs into later steps' parameters.
//
// A step parameter may embed references of the form {{step.N.output}} or
// {{step.N.output.path.to.field}}. When a string is exactly one reference
// the referenced value is substituted with its original type; when a
// reference appears inside a larger string it is replaced in place with a
// string rendering. Resolution never fails hard: problems are accumulated
// as structured errors next to a best-effort resolved tree.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/taylojo5/theo-core/internal/model"
)

// Resolution error codes.
const (
	ErrStepNotFound     = "step_not_found"
	ErrStepNotCompleted = "step_not_completed"
	ErrPathNotFound     = "path_not_found"
	ErrInvalidReference = "invalid_reference"
)

// Segments are word characters only; consecutive dots or empty segments do
// not form a reference and the text stays literal.
var refPattern = regexp.MustCompile(`\{\{step\.(\d+)\.output((?:\.\w+)+)?\}\}`)

var wholeRefPattern = regexp.MustCompile(`^\{\{step\.(\d+)\.output((?:\.\w+)+)?\}\}$`)

// ResolutionError describes one reference that could not be resolved.
type ResolutionError struct {
	Reference string `json:"reference"`
	StepIndex int    `json:"step_index"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ResolvedReference records one successful substitution, for UI preview and
// dependency auditing.
type ResolvedReference struct {
	Reference string      `json:"reference"`
	StepIndex int         `json:"step_index"`
	Path      string      `json:"path,omitempty"`
	Value     interface{} `json:"value"`
}

// Result is the outcome of resolving one step's parameter tree.
type Result struct {
	Parameters model.Params        `json:"parameters"`
	Resolved   []ResolvedReference `json:"resolved,omitempty"`
	Errors     []ResolutionError   `json:"errors,omitempty"`
}

// Messages renders the accumulated errors as human-readable strings.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

type resolution struct {
	steps    []model.Step
	resolved []ResolvedReference
	errors   []ResolutionError
}

// ResolveStepOutputs returns a copy of params with every output reference
// replaced by the referenced step's result. Unresolvable references are
// left as literal placeholder text and reported in Result.Errors.
func ResolveStepOutputs(params model.Params, steps []model.Step) Result {
	r := &resolution{steps: steps}
	resolved := make(model.Params, len(params))
	for k, v := range params {
		resolved[k] = r.walk(v)
	}
	return Result{Parameters: resolved, Resolved: r.resolved, Errors: r.errors}
}

func (r *resolution) walk(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = r.walk(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = r.walk(elem)
		}
		return out
	case string:
		return r.resolveString(val)
	default:
		// Non-string scalars cannot contain references.
		return v
	}
}

func (r *resolution) resolveString(s string) interface{} {
	if m := wholeRefPattern.FindStringSubmatch(s); m != nil {
		// The whole string is one reference: substitute the typed value.
		idx, _ := strconv.Atoi(m[1])
		path := strings.TrimPrefix(m[2], ".")
		value, rerr := r.resolveReference(s, idx, path)
		if rerr != nil {
			r.errors = append(r.errors, *rerr)
			return s
		}
		r.resolved = append(r.resolved, ResolvedReference{Reference: s, StepIndex: idx, Path: path, Value: value})
		return value
	}
	if !refPattern.MatchString(s) {
		return s
	}
	// Embedded references: substitute string renderings in place.
	return refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		idx, _ := strconv.Atoi(m[1])
		path := strings.TrimPrefix(m[2], ".")
		value, rerr := r.resolveReference(ref, idx, path)
		if rerr != nil {
			r.errors = append(r.errors, *rerr)
			return ref
		}
		r.resolved = append(r.resolved, ResolvedReference{Reference: ref, StepIndex: idx, Path: path, Value: value})
		return coerceString(value)
	})
}

func (r *resolution) resolveReference(ref string, stepIndex int, path string) (interface{}, *ResolutionError) {
	if stepIndex >= len(r.steps) {
		return nil, &ResolutionError{
			Reference: ref,
			StepIndex: stepIndex,
			Code:      ErrStepNotFound,
			Message:   fmt.Sprintf("Step %d not found (plan has %d steps)", stepIndex, len(r.steps)),
		}
	}
	step := r.steps[stepIndex]
	if step.Status != model.StepStatusCompleted {
		return nil, &ResolutionError{
			Reference: ref,
			StepIndex: stepIndex,
			Code:      ErrStepNotCompleted,
			Message:   fmt.Sprintf("Step %d has not completed yet (status: %s)", stepIndex, step.Status),
		}
	}
	value := step.Result
	if path == "" {
		return value, nil
	}
	for _, seg := range strings.Split(path, ".") {
		next, ok := navigate(value, seg)
		if !ok {
			return nil, &ResolutionError{
				Reference: ref,
				StepIndex: stepIndex,
				Code:      ErrPathNotFound,
				Message:   fmt.Sprintf("Step %d output has no value at path %q (failed at %q)", stepIndex, path, seg),
			}
		}
		value = next
	}
	return value, nil
}

func navigate(value interface{}, segment string) (interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	case map[string]interface{}:
		next, ok := v[segment]
		return next, ok
	default:
		return nil, false
	}
}

// coerceString renders a resolved value for in-place substitution. Strings
// insert as-is; everything else renders as compact JSON.
func coerceString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// ValidateOutputReferences checks, without resolving values, that every
// reference inside params points at an existing step strictly earlier than
// stepIndex. This is the plan-build-time structural check; ResolveStepOutputs
// is the execution-time check.
func ValidateOutputReferences(params model.Params, stepIndex, totalSteps int) []ResolutionError {
	var errs []ResolutionError
	for _, ref := range collectReferences(params) {
		switch {
		case ref.index >= totalSteps:
			errs = append(errs, ResolutionError{
				Reference: ref.text,
				StepIndex: ref.index,
				Code:      ErrInvalidReference,
				Message:   fmt.Sprintf("Step %d references step %d, which does not exist", stepIndex, ref.index),
			})
		case ref.index >= stepIndex:
			errs = append(errs, ResolutionError{
				Reference: ref.text,
				StepIndex: ref.index,
				Code:      ErrInvalidReference,
				Message:   fmt.Sprintf("Step %d cannot reference step %d (must reference earlier steps)", stepIndex, ref.index),
			})
		}
	}
	return errs
}

// HasOutputReferences reports whether any parameter embeds an output
// reference.
func HasOutputReferences(params model.Params) bool {
	return len(collectReferences(params)) > 0
}

// ReferencedStepIndices returns the sorted distinct step indices referenced
// by params. The plan builder uses it to derive a step's dependency set.
func ReferencedStepIndices(params model.Params) []int {
	seen := map[int]struct{}{}
	for _, ref := range collectReferences(params) {
		seen[ref.index] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

type reference struct {
	text  string
	index int
}

// collectReferences walks the typed tree rather than scanning a serialized
// JSON dump, so JSON escaping cannot produce false matches.
func collectReferences(params model.Params) []reference {
	var refs []reference
	var visit func(v interface{})
	visit = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for _, elem := range val {
				visit(elem)
			}
		case []interface{}:
			for _, elem := range val {
				visit(elem)
			}
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
				idx, err := strconv.Atoi(m[1])
				if err != nil {
					continue
				}
				refs = append(refs, reference{text: m[0], index: idx})
			}
		}
	}
	for _, v := range params {
		visit(v)
	}
	return refs
}
