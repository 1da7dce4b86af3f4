package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/taylojo5/theo-core/internal/approval"
	"github.com/taylojo5/theo-core/internal/model"
	"github.com/taylojo5/theo-core/internal/resolver"
	"github.com/taylojo5/theo-core/internal/runtime"
	"github.com/taylojo5/theo-core/internal/store"
)

// PlansHandler exposes plan submission and the output-reference utilities.
type PlansHandler struct {
	Store   *store.Store
	Manager *approval.Manager
}

func (h *PlansHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
	g.GET("/:id/approvals", h.pendingApprovals)
	g.POST("/:id/steps/:index/resolve", h.resolveStep)
}

func (h *PlansHandler) create(c echo.Context) error {
	var req planCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Plan) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "plan payload is required")
	}
	if err := model.ValidatePlanDocument(req.Plan); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var doc planDocument
	if err := json.Unmarshal(req.Plan, &doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	plan := model.Plan{
		UserID:           userID(c),
		Goal:             doc.Goal,
		GoalCategory:     doc.GoalCategory,
		Reasoning:        doc.Reasoning,
		Confidence:       model.ClampConfidence(doc.Confidence),
		RequiresApproval: doc.RequiresApproval,
		ConversationID:   doc.ConversationID,
		Assumptions:      doc.Assumptions,
		Steps:            make([]model.Step, 0, len(doc.Steps)),
	}
	for _, sd := range doc.Steps {
		step := model.Step{
			Index:      sd.Index,
			ToolName:   sd.ToolName,
			Parameters: sd.Parameters,
			DependsOn:  sd.DependsOn,
			Rollback:   sd.Rollback,
		}
		// Implicit dependencies come from output references.
		for _, idx := range resolver.ReferencedStepIndices(sd.Parameters) {
			if !containsInt(step.DependsOn, idx) {
				step.DependsOn = append(step.DependsOn, idx)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}

	// Structural reference check: steps may only consume earlier outputs.
	var refErrors []resolver.ResolutionError
	for _, st := range plan.Steps {
		refErrors = append(refErrors, resolver.ValidateOutputReferences(st.Parameters, st.Index, len(plan.Steps))...)
	}
	if len(refErrors) > 0 {
		msgs := make([]string, 0, len(refErrors))
		for _, e := range refErrors {
			msgs = append(msgs, e.Message)
		}
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{"errors": msgs})
	}

	if err := plan.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	created, err := h.Store.CreatePlan(c.Request().Context(), plan)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *PlansHandler) get(c echo.Context) error {
	plan, ok, err := h.Store.GetPlanForUser(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	return c.JSON(http.StatusOK, plan)
}

func (h *PlansHandler) cancel(c echo.Context) error {
	ctx := c.Request().Context()
	plan, ok, err := h.Store.GetPlanForUser(ctx, c.Param("id"), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	if err := h.Store.SetPlanStatus(ctx, plan.ID, model.PlanStatusCancelled, time.Now().UTC()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cancelled, err := h.Manager.CancelForPlan(ctx, plan.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cancelled_approvals": cancelled})
}

func (h *PlansHandler) pendingApprovals(c echo.Context) error {
	ctx := c.Request().Context()
	plan, ok, err := h.Store.GetPlanForUser(ctx, c.Param("id"), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	approvals, err := h.Manager.GetPendingForPlan(ctx, plan.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, approvals)
}

// resolveStep previews a step's parameters with upstream outputs wired in.
func (h *PlansHandler) resolveStep(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step index")
	}
	plan, ok, err := h.Store.GetPlanForUser(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	step, ok := plan.StepAt(index)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "step not found")
	}
	result := resolver.ResolveStepOutputs(step.Parameters, plan.Steps)
	return c.JSON(http.StatusOK, result)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
