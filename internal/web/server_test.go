package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskpilot/internal/approvals"
	"taskpilot/internal/auth"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/ratelimit"
)

type fakeRuns struct {
	lastReq   pipeline.TriggerRequest
	lastActor auth.Actor
	result    pipeline.RunResult
	err       error
}

func (f *fakeRuns) Run(ctx context.Context, actor auth.Actor, req pipeline.TriggerRequest) (pipeline.RunResult, error) {
	f.lastReq = req
	f.lastActor = actor
	return f.result, f.err
}

func (f *fakeRuns) GetRun(ctx context.Context, actor auth.Actor, id string) (pipeline.RunResult, error) {
	if id != f.result.RunID || f.err != nil {
		return pipeline.RunResult{}, errs.ErrNotFound
	}
	return f.result, nil
}

type fakeApprovals struct {
	req        approvals.Request
	listStatus approvals.Status
	decided    string
	note       string
	err        error
}

func (f *fakeApprovals) Get(ctx context.Context, actor auth.Actor, id string) (approvals.Request, error) {
	if id != f.req.ID {
		return approvals.Request{}, errs.ErrNotFound
	}
	return f.req, nil
}

func (f *fakeApprovals) List(ctx context.Context, actor auth.Actor, status approvals.Status) ([]approvals.Request, error) {
	f.listStatus = status
	return nil, f.err
}

func (f *fakeApprovals) Approve(ctx context.Context, actor auth.Actor, id, note string) (approvals.Request, error) {
	f.decided, f.note = "approve", note
	if f.err != nil {
		return approvals.Request{}, f.err
	}
	out := f.req
	out.Status = approvals.StatusApproved
	return out, nil
}

func (f *fakeApprovals) Reject(ctx context.Context, actor auth.Actor, id, reason string) (approvals.Request, error) {
	f.decided, f.note = "reject", reason
	if f.err != nil {
		return approvals.Request{}, f.err
	}
	out := f.req
	out.Status = approvals.StatusRejected
	return out, nil
}

type fakeUsage struct {
	tenant string
}

func (f *fakeUsage) CheckLimit(ctx context.Context, tenantID string, u entitlements.UsageType) ratelimit.Result {
	f.tenant = tenantID
	return ratelimit.Result{Allowed: true, Current: 1, Limit: 10, Remaining: 9}
}

type fakeInvalidator struct {
	tenants []string
}

func (f *fakeInvalidator) Invalidate(tenantID string) {
	f.tenants = append(f.tenants, tenantID)
}

func newTestServer() (*Server, *fakeRuns, *fakeApprovals) {
	runs := &fakeRuns{result: pipeline.RunResult{RunID: "run-1", Status: pipeline.StatusCompleted}}
	appr := &fakeApprovals{req: approvals.Request{ID: "apr-1", TenantID: "acme", Status: approvals.StatusPending}}
	return NewServer(runs, appr, &fakeUsage{}), runs, appr
}

func do(t *testing.T, h http.Handler, method, path, body string, roles ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(auth.HeaderTenant, "acme")
	req.Header.Set(auth.HeaderActor, "u-1")
	if len(roles) > 0 {
		req.Header.Set(auth.HeaderRoles, strings.Join(roles, ","))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTriggerPassesIdempotencyKey(t *testing.T) {
	srv, runs, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"goal":"Create a task","dry_run":true}`))
	req.Header.Set(auth.HeaderTenant, "acme")
	req.Header.Set(auth.HeaderActor, "u-1")
	req.Header.Set(headerIdempotencyKey, " key-1 ")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if runs.lastReq.IdempotencyKey != "key-1" || !runs.lastReq.DryRun || runs.lastReq.Goal != "Create a task" {
		t.Fatalf("request: %+v", runs.lastReq)
	}
	if runs.lastActor.TenantID != "acme" || runs.lastActor.ID != "u-1" {
		t.Fatalf("actor: %+v", runs.lastActor)
	}
}

func TestTriggerPendingApprovalIsAccepted(t *testing.T) {
	srv, runs, _ := newTestServer()
	runs.result = pipeline.RunResult{RunID: "run-2", Status: pipeline.StatusPendingApproval, ApprovalID: "apr-1"}
	w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"Send an email to Bob"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d", w.Code)
	}
	var got pipeline.RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.ApprovalID != "apr-1" {
		t.Fatalf("result: %+v", got)
	}
}

func TestTriggerErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", errs.NewValidation("goal", "required"), http.StatusBadRequest},
		{"rate limit", &errs.RateLimitError{UsageType: "runs", Current: 10, Limit: 10}, http.StatusTooManyRequests},
		{"in progress", errs.ErrInProgress, http.StatusConflict},
		{"infra", errs.Infra("ledger", errors.New("conn refused")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, runs, _ := newTestServer()
			runs.err = tc.err
			w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"x"}`)
			if w.Code != tc.status {
				t.Fatalf("status: %d", w.Code)
			}
			if strings.Contains(w.Body.String(), "conn refused") {
				t.Fatalf("infra detail leaked: %s", w.Body.String())
			}
		})
	}
}

func TestTriggerRejectsUnknownFields(t *testing.T) {
	srv, _, _ := newTestServer()
	w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"x","tenant_id":"other"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestTriggerValidatesAgainstSchema(t *testing.T) {
	for name, body := range map[string]string{
		"max actions": `{"goal":"Create a task","max_actions":50}`,
		"urgency":     `{"goal":"Create a task","urgency":"whenever"}`,
		"goal type":   `{"goal":42}`,
		"constraints": `{"goal":"Create a task","constraints":"not a list"}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv, runs, _ := newTestServer()
			w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
			}
			if runs.lastReq.Goal != "" {
				t.Fatalf("invalid trigger reached the pipeline: %+v", runs.lastReq)
			}
		})
	}

	srv, runs, _ := newTestServer()
	w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"  Create a task ","auto_approve":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if runs.lastReq.Goal != "Create a task" || runs.lastReq.MaxActions == 0 || runs.lastReq.AutoApprove == nil || *runs.lastReq.AutoApprove {
		t.Fatalf("request: %+v", runs.lastReq)
	}
}

func TestRequestsNeedIdentity(t *testing.T) {
	srv, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestServiceTokenRequired(t *testing.T) {
	srv, _, _ := newTestServer()
	srv.ServiceToken = "s3cret"

	w := do(t, srv.Handler(), http.MethodGet, "/v1/runs/run-1", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil)
	req.Header.Set(auth.HeaderTenant, "acme")
	req.Header.Set(auth.HeaderActor, "u-1")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token: %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	srv, _, _ := newTestServer()
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/runs/run-1", ""); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestListApprovals(t *testing.T) {
	srv, _, appr := newTestServer()
	w := do(t, srv.Handler(), http.MethodGet, "/v1/approvals?status=pending", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if appr.listStatus != approvals.StatusPending {
		t.Fatalf("status filter: %q", appr.listStatus)
	}
	if strings.TrimSpace(w.Body.String()) != `{"data":[]}` {
		t.Fatalf("body: %s", w.Body.String())
	}

	if w := do(t, srv.Handler(), http.MethodGet, "/v1/approvals?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestGetApproval(t *testing.T) {
	srv, _, _ := newTestServer()
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/approvals/apr-1", ""); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/approvals/apr-9", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestDecision(t *testing.T) {
	srv, _, appr := newTestServer()
	w := do(t, srv.Handler(), http.MethodPost, "/v1/approvals/apr-1/decision", `{"decision":"approve","note":"ok"}`, "approver")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if appr.decided != "approve" || appr.note != "ok" {
		t.Fatalf("decided: %s %s", appr.decided, appr.note)
	}
	var ok struct {
		Success bool              `json:"success"`
		Error   string            `json:"error"`
		Request approvals.Request `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ok); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok.Success || ok.Error != "" || ok.Request.ID != "apr-1" {
		t.Fatalf("body: %s", w.Body.String())
	}

	w = do(t, srv.Handler(), http.MethodPost, "/v1/approvals/apr-1/decision", `{"decision":"reject","reason":"too risky"}`, "approver")
	if w.Code != http.StatusOK || appr.decided != "reject" || appr.note != "too risky" {
		t.Fatalf("reject: %d %s %s", w.Code, appr.decided, appr.note)
	}

	w = do(t, srv.Handler(), http.MethodPost, "/v1/approvals/apr-1/decision", `{"decision":"maybe"}`, "approver")
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"success":false`) {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
}

func TestDecisionErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not approver", &errs.AuthorizationError{Reason: "approver role required"}, http.StatusForbidden},
		{"stale", errs.ErrStaleApproval, http.StatusConflict},
		{"missing", errs.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _, appr := newTestServer()
			appr.err = tc.err
			w := do(t, srv.Handler(), http.MethodPost, "/v1/approvals/apr-1/decision", `{"decision":"approve"}`)
			if w.Code != tc.status {
				t.Fatalf("status: %d", w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("err: %v", err)
			}
			if body["success"] != false || body["error"] == "" || body["request"] != nil {
				t.Fatalf("body: %v", body)
			}
		})
	}
}

func TestUsage(t *testing.T) {
	srv, _, _ := newTestServer()
	w := do(t, srv.Handler(), http.MethodGet, "/v1/usage", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var body struct {
		TenantID string                      `json:"tenant_id"`
		Usage    map[string]ratelimit.Result `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("err: %v", err)
	}
	if body.TenantID != "acme" || len(body.Usage) != 3 || body.Usage["sends"].Remaining != 9 {
		t.Fatalf("body: %+v", body)
	}

	w = do(t, srv.Handler(), http.MethodGet, "/v1/usage?type=runs", "")
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(body.Usage) != 1 {
		t.Fatalf("usage: %+v", body.Usage)
	}
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/usage?type=emails", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestInvalidateCaches(t *testing.T) {
	srv, _, _ := newTestServer()
	mem := &fakeInvalidator{}
	pol := &fakeInvalidator{}
	srv.Invalidators["memory"] = mem
	srv.Invalidators["policy"] = pol

	if w := do(t, srv.Handler(), http.MethodPost, "/v1/cache/invalidate", ""); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin status: %d", w.Code)
	}

	w := do(t, srv.Handler(), http.MethodPost, "/v1/cache/invalidate", `{"caches":["memory"]}`, "admin")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if len(mem.tenants) != 1 || mem.tenants[0] != "acme" || len(pol.tenants) != 0 {
		t.Fatalf("mem=%v pol=%v", mem.tenants, pol.tenants)
	}

	if w := do(t, srv.Handler(), http.MethodPost, "/v1/cache/invalidate", "", "admin"); w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if len(mem.tenants) != 2 || len(pol.tenants) != 1 {
		t.Fatalf("mem=%v pol=%v", mem.tenants, pol.tenants)
	}

	w = do(t, srv.Handler(), http.MethodPost, "/v1/cache/invalidate", `{"caches":["memory","bogus"]}`, "admin")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if len(mem.tenants) != 2 {
		t.Fatalf("partial invalidation: %v", mem.tenants)
	}
}

func TestWriteEndpointsAreIPLimited(t *testing.T) {
	srv, _, _ := newTestServer()
	srv.Limiter = NewIPLimiter(0.001, 1)

	if w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"x"}`); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodPost, "/v1/runs", `{"goal":"x"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, srv.Handler(), http.MethodGet, "/v1/runs/run-1", ""); w.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer()
	if w := do(t, srv.Handler(), http.MethodDelete, "/v1/runs/run-1", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", w.Code)
	}
}
