package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/taylojo5/theo-core/internal/approval"
	"github.com/taylojo5/theo-core/internal/audit"
	"github.com/taylojo5/theo-core/internal/model"
	"github.com/taylojo5/theo-core/internal/runtime"
	"github.com/taylojo5/theo-core/internal/store"
)

type stubApprovalStore struct {
	existing map[string]model.Approval
	applyOK  bool
}

func newStubApprovalStore() *stubApprovalStore {
	return &stubApprovalStore{existing: map[string]model.Approval{}, applyOK: true}
}

func (s *stubApprovalStore) CreateApproval(ctx context.Context, a model.Approval) (model.Approval, error) {
	if a.ID == "" {
		a.ID = fmt.Sprintf("ap-%d", len(s.existing)+1)
	}
	s.existing[a.ID] = a
	return a, nil
}

func (s *stubApprovalStore) GetApprovalForUser(ctx context.Context, id, userID string) (model.Approval, bool, error) {
	a, ok := s.existing[id]
	if !ok || a.UserID != userID {
		return model.Approval{}, false, nil
	}
	return a, true, nil
}

func (s *stubApprovalStore) ApplyDecision(ctx context.Context, id, userID, status string, decidedAt time.Time, modifiedParams model.Params, feedback string) (model.Approval, bool, error) {
	if !s.applyOK {
		return model.Approval{}, false, nil
	}
	a := s.existing[id]
	a.Status = status
	a.DecidedAt = &decidedAt
	a.ResolvedBy = model.ResolvedByUser
	a.ModifiedParams = modifiedParams
	a.Feedback = feedback
	s.existing[id] = a
	return a, true, nil
}

func (s *stubApprovalStore) SetApprovalExecution(ctx context.Context, id, status string, result interface{}, errMsg string) (bool, error) {
	a, ok := s.existing[id]
	if !ok {
		return false, nil
	}
	a.Status = status
	s.existing[id] = a
	return true, nil
}

func (s *stubApprovalStore) SetApprovalAuditLog(ctx context.Context, id, auditLogID string) error {
	return nil
}

func (s *stubApprovalStore) GetPendingApprovalsForPlan(ctx context.Context, planID string) ([]model.Approval, error) {
	return nil, nil
}

func (s *stubApprovalStore) CancelApprovalsForPlan(ctx context.Context, planID string, now time.Time) (int, error) {
	return 0, nil
}

type noopSink struct{}

func (noopSink) LogAgentAction(ctx context.Context, e audit.Entry) (string, error) {
	return "audit-1", nil
}

func authedContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("user_id", "u1")
	return c, rec
}

func TestCreateApprovalEndpoint(t *testing.T) {
	st := newStubApprovalStore()
	h := &ApprovalsHandler{Manager: approval.NewManager(st, noopSink{}, nil, nil)}
	e := echo.New()

	payload := `{"tool_name":"send_email","risk_level":"high","parameters":{"to":"a@b.c"},"expires_in":"45m"}`
	c, rec := authedContext(e, http.MethodPost, "/api/approvals", payload)
	if err := h.create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	var created model.Approval
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.UserID != "u1" || created.Status != model.ApprovalStatusPending {
		t.Fatalf("created = %+v", created)
	}
	if got := created.ExpiresAt.Sub(created.RequestedAt); got != 45*time.Minute {
		t.Fatalf("ttl = %v", got)
	}
}

func TestCreateApprovalEndpointValidation(t *testing.T) {
	h := &ApprovalsHandler{Manager: approval.NewManager(newStubApprovalStore(), noopSink{}, nil, nil)}
	e := echo.New()

	cases := []string{
		`{"risk_level":"low"}`,
		`{"tool_name":"t","risk_level":"urgent"}`,
		`{"tool_name":"t","risk_level":"low","expires_in":"soon"}`,
		`{"tool_name":"t","risk_level":"low","expires_in":"-5m"}`,
	}
	for _, payload := range cases {
		c, _ := authedContext(e, http.MethodPost, "/api/approvals", payload)
		err := h.create(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Fatalf("payload %s: err = %v", payload, err)
		}
	}
}

func TestDecideEndpointApprove(t *testing.T) {
	now := time.Now().UTC()
	st := newStubApprovalStore()
	st.existing["ap-1"] = model.Approval{
		ID:         "ap-1",
		UserID:     "u1",
		ToolName:   "send_email",
		Parameters: model.Params{"to": "a@b.c"},
		Status:     model.ApprovalStatusPending,
		ExpiresAt:  now.Add(time.Hour),
	}
	h := &ApprovalsHandler{Manager: approval.NewManager(st, noopSink{}, nil, nil)}
	e := echo.New()

	c, rec := authedContext(e, http.MethodPost, "/api/approvals/ap-1/decision",
		`{"decision":"approve","modified_params":{"to":"c@d.e"}}`)
	c.SetParamNames("id")
	c.SetParamValues("ap-1")
	if err := h.decide(c); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	var res approval.DecideResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.ShouldExecute {
		t.Fatal("approval should execute")
	}
	if res.EffectiveParameters["to"] != "c@d.e" {
		t.Fatalf("effective = %#v", res.EffectiveParameters)
	}
}

func TestDecideEndpointConflictWhenNotActionable(t *testing.T) {
	h := &ApprovalsHandler{Manager: approval.NewManager(newStubApprovalStore(), noopSink{}, nil, nil)}
	e := echo.New()

	c, _ := authedContext(e, http.MethodPost, "/api/approvals/missing/decision", `{"decision":"reject"}`)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.decide(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("err = %v", err)
	}
}

func TestDecideEndpointRejectsUnknownVerdict(t *testing.T) {
	h := &ApprovalsHandler{Manager: approval.NewManager(newStubApprovalStore(), noopSink{}, nil, nil)}
	e := echo.New()

	c, _ := authedContext(e, http.MethodPost, "/api/approvals/ap-1/decision", `{"decision":"maybe"}`)
	c.SetParamNames("id")
	c.SetParamValues("ap-1")
	err := h.decide(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestResultEndpoint(t *testing.T) {
	st := newStubApprovalStore()
	st.existing["ap-1"] = model.Approval{ID: "ap-1", UserID: "u1", Status: model.ApprovalStatusApproved}
	h := &ApprovalsHandler{Manager: approval.NewManager(st, noopSink{}, nil, nil)}
	e := echo.New()

	c, rec := authedContext(e, http.MethodPost, "/api/approvals/ap-1/result",
		`{"status":"executed","result":{"sent":true}}`)
	c.SetParamNames("id")
	c.SetParamValues("ap-1")
	if err := h.result(c); err != nil {
		t.Fatalf("result: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d", rec.Code)
	}
	if st.existing["ap-1"].Status != model.ApprovalStatusExecuted {
		t.Fatalf("status = %s", st.existing["ap-1"].Status)
	}

	c, _ = authedContext(e, http.MethodPost, "/api/approvals/ap-1/result", `{"status":"pending"}`)
	c.SetParamNames("id")
	c.SetParamValues("ap-1")
	err := h.result(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestApprovalsRoutesRequireAuth(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("FROM approvals").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}))

	secret := []byte("test-secret")
	st := &store.Store{DB: db}
	h := &ApprovalsHandler{
		Manager: approval.NewManager(newStubApprovalStore(), noopSink{}, nil, nil),
		Sweeper: approval.NewSweeper(st, nil),
		Store:   st,
	}
	e := echo.New()
	h.Register(e.Group("/api/approvals"), secret)

	// No token: rejected before the handler runs.
	req := httptest.NewRequest(http.MethodGet, "/api/approvals/counts", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code without token = %d", rec.Code)
	}

	// Valid bearer token reaches the store.
	tok, err := runtime.SignJWT("u1", secret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/approvals/counts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code with token = %d body = %s", rec.Code, rec.Body.String())
	}
}
