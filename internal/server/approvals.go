package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/taylojo5/theo-core/internal/approval"
	"github.com/taylojo5/theo-core/internal/model"
	"github.com/taylojo5/theo-core/internal/runtime"
	"github.com/taylojo5/theo-core/internal/store"
)

// ApprovalsHandler exposes the approval lifecycle over HTTP.
type ApprovalsHandler struct {
	Manager *approval.Manager
	Sweeper *approval.Sweeper
	Store   *store.Store
}

func (h *ApprovalsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.query)
	g.GET("/pending", h.pending)
	g.GET("/counts", h.counts)
	g.GET("/approaching", h.approaching)
	g.GET("/:id", h.get)
	g.POST("/:id/decision", h.decide)
	g.POST("/:id/result", h.result)
}

func userID(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok {
		return v
	}
	return ""
}

func (h *ApprovalsHandler) create(c echo.Context) error {
	var req createApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool_name required")
	}
	if !model.ValidRiskLevel(req.RiskLevel) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown risk_level")
	}
	var expiresIn time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid expires_in")
		}
		expiresIn = d
	}
	created, err := h.Manager.Create(c.Request().Context(), approval.CreateInput{
		UserID:         userID(c),
		ToolName:       req.ToolName,
		Parameters:     req.Parameters,
		ActionType:     req.ActionType,
		RiskLevel:      req.RiskLevel,
		Reasoning:      req.Reasoning,
		Confidence:     req.Confidence,
		Assumptions:    req.Assumptions,
		Summary:        req.Summary,
		ConversationID: req.ConversationID,
		PlanID:         req.PlanID,
		StepIndex:      req.StepIndex,
		ExpiresIn:      expiresIn,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *ApprovalsHandler) query(c echo.Context) error {
	f := store.ApprovalFilter{
		ConversationID: c.QueryParam("conversation_id"),
		PlanID:         c.QueryParam("plan_id"),
		IncludeExpired: c.QueryParam("include_expired") == "true",
		SortAsc:        c.QueryParam("sort") == "asc",
	}
	if statuses := c.QueryParam("status"); statuses != "" {
		f.Statuses = strings.Split(statuses, ",")
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	approvals, err := h.Store.QueryApprovals(c.Request().Context(), userID(c), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, approvals)
}

func (h *ApprovalsHandler) pending(c echo.Context) error {
	approvals, err := h.Store.GetPendingApprovals(c.Request().Context(), userID(c), store.ApprovalFilter{SortAsc: true})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	now := time.Now()
	views := make([]approval.View, 0, len(approvals))
	for i := range approvals {
		views = append(views, approval.FormatForDisplay(&approvals[i], now))
	}
	return c.JSON(http.StatusOK, views)
}

func (h *ApprovalsHandler) counts(c echo.Context) error {
	counts, err := h.Store.CountApprovalsByStatus(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *ApprovalsHandler) approaching(c echo.Context) error {
	var window time.Duration
	if v := c.QueryParam("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid window")
		}
		window = d
	}
	ids, err := h.Sweeper.GetApproachingExpirations(c.Request().Context(), window)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"approval_ids": ids})
}

func (h *ApprovalsHandler) get(c echo.Context) error {
	a, ok, err := h.Store.GetApprovalForUser(c.Request().Context(), c.Param("id"), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "approval not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"approval": a,
		"display":  approval.FormatForDisplay(&a, time.Now()),
	})
}

func (h *ApprovalsHandler) decide(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var decision approval.Decision
	switch req.Decision {
	case "approve":
		decision = approval.DecisionApprove
	case "reject":
		decision = approval.DecisionReject
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be approve or reject")
	}
	res, err := h.Manager.Decide(c.Request().Context(), userID(c), c.Param("id"), decision, approval.DecideOptions{
		ModifiedParams: req.ModifiedParams,
		Feedback:       req.Feedback,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if res == nil {
		// Missing, already decided, or expired: deliberately ambiguous.
		return echo.NewHTTPError(http.StatusConflict, "approval is no longer actionable")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *ApprovalsHandler) result(c echo.Context) error {
	var req executionResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	switch req.Status {
	case model.ApprovalStatusExecuted:
		if err := h.Manager.MarkExecuted(ctx, id, req.Result); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	case model.ApprovalStatusFailed:
		if err := h.Manager.MarkFailed(ctx, id, req.Error); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be executed or failed")
	}
	return c.NoContent(http.StatusNoContent)
}
