package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
	"github.com/ritualos/ritualos/core/infra/memory"
)

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthzAndStatus(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/api/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatalf("status body missing uptime: %v", body)
	}
}

func TestDecideQuotaExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	req := map[string]any{
		"tenant_id":  "acme",
		"run_id":     "run-1",
		"capability": "deploy.staging",
	}
	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, ts, http.MethodPost, "/api/v1/policy/decide", req)
		if resp.StatusCode != http.StatusOK || body["allowed"] != true {
			t.Fatalf("call %d should be allowed: status=%d body=%v", i, resp.StatusCode, body)
		}
	}
	resp, body := doJSON(t, ts, http.MethodPost, "/api/v1/policy/decide", req)
	if resp.StatusCode != http.StatusOK || body["allowed"] != false || body["reason"] != "limit_exceeded" {
		t.Fatalf("third call should exhaust quota: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestDecideScheduleDenyAndUnknownCapability(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodPost, "/api/v1/policy/decide", map[string]any{
		"tenant_id":  "acme",
		"capability": "deploy.prod",
		"now":        time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC).Unix(),
	})
	if resp.StatusCode != http.StatusOK || body["allowed"] != false || body["reason"] != "time_policy_denied" {
		t.Fatalf("schedule deny expected: status=%d body=%v", resp.StatusCode, body)
	}

	// No quota configured anywhere: deny by default.
	resp, body = doJSON(t, ts, http.MethodPost, "/api/v1/policy/decide", map[string]any{
		"tenant_id":  "acme",
		"capability": "unknown.capability",
	})
	if resp.StatusCode != http.StatusOK || body["allowed"] != false || body["reason"] != "limit_exceeded" {
		t.Fatalf("deny-by-default expected: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestDecideValidation(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/v1/policy/decide", map[string]any{"tenant_id": "acme"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing capability should be 400, got %d", resp.StatusCode)
	}
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	create := map[string]any{
		"tenant_id": "t1",
		"run_id":    "run-1",
		"gate_id":   "gate-1",
		"requester": "alice",
		"reason":    "prod deploy",
	}
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/v1/approvals", create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	// Duplicate request is idempotent.
	resp, body := doJSON(t, ts, http.MethodPost, "/api/v1/approvals", create)
	if resp.StatusCode != http.StatusOK || body["requester"] != "alice" {
		t.Fatalf("duplicate create: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/api/v1/approvals/run-1/gate-1", nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(approvals.StateRequested) {
		t.Fatalf("get gate: status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/run-1/gate-1/grant",
		map[string]any{"approver": "bob", "note": "lgtm"})
	if resp.StatusCode != http.StatusOK || body["applied"] != true {
		t.Fatalf("grant: status=%d body=%v", resp.StatusCode, body)
	}

	// Retrying the same decision is an idempotent success.
	resp, body = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/run-1/gate-1/grant",
		map[string]any{"approver": "carol", "note": "also fine"})
	if resp.StatusCode != http.StatusOK || body["applied"] != false {
		t.Fatalf("duplicate grant: status=%d body=%v", resp.StatusCode, body)
	}

	// A competing decision conflicts and reports the recorded outcome.
	resp, body = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/run-1/gate-1/deny",
		map[string]any{"approver": "mallory", "reason": "no"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting deny: status=%d body=%v", resp.StatusCode, body)
	}
	existing, ok := body["existing"].(map[string]any)
	if !ok || existing["state"] != string(approvals.StateGranted) {
		t.Fatalf("conflict must carry the recorded outcome: %v", body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/api/v1/approvals/run-1/gate-1/transitions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d", resp.StatusCode)
	}
	transitions, ok := body["transitions"].([]any)
	if !ok || len(transitions) != 2 {
		t.Fatalf("expected 2 transitions: %v", body)
	}
}

func TestApprovalValidationAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/v1/approvals",
		map[string]any{"run_id": "r", "gate_id": "g"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing requester should be 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/r/g/grant",
		map[string]any{"note": "no approver"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing approver should be 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/nope/g/grant",
		map[string]any{"approver": "bob"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown gate should be 404, got %d", resp.StatusCode)
	}
}

func TestOverrideForbiddenAtFirstLevel(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/v1/approvals", map[string]any{
		"tenant_id": "acme",
		"run_id":    "run-1",
		"gate_id":   "gate-1",
		"requester": "alice",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	// Level 1 of acme's chain does not permit emergency override.
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/v1/approvals/run-1/gate-1/override",
		map[string]any{"approver": "director"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("override should be 403 at level 1, got %d", resp.StatusCode)
	}
}

func TestListApprovalsPagination(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()
	ctx := context.Background()

	base := time.Now().Unix()
	for i := 0; i < 3; i++ {
		record := approvals.GateRecord{
			TenantID:  "t1",
			RunID:     "run-1",
			GateID:    fmt.Sprintf("gate-%d", i),
			Requester: "alice",
			State:     approvals.StateRequested,
			CreatedAt: base + int64(i),
			UpdatedAt: base + int64(i),
		}
		if _, _, err := env.gates.CreateGate(ctx, record); err != nil {
			t.Fatalf("seed gate %d: %v", i, err)
		}
	}

	resp, body := doJSON(t, ts, http.MethodGet, "/api/v1/approvals?limit=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("page 1: %d", resp.StatusCode)
	}
	page, _ := body["approvals"].([]any)
	if len(page) != 2 {
		t.Fatalf("page 1 should hold 2 gates: %v", body)
	}
	cursor, _ := body["next_cursor"].(float64)
	if cursor <= 0 {
		t.Fatalf("full page must set a cursor: %v", body)
	}

	resp, body = doJSON(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/approvals?limit=2&cursor=%d", int64(cursor)), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("page 2: %d", resp.StatusCode)
	}
	page, _ = body["approvals"].([]any)
	if len(page) != 1 {
		t.Fatalf("page 2 should hold the remaining gate: %v", body)
	}
}

func TestDLQEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Routes())
	defer ts.Close()
	ctx := context.Background()

	if err := env.dlq.Add(ctx, memory.DLQEntry{Subject: "audit.policy.decision", Reason: "schema violation"}); err != nil {
		t.Fatalf("seed dlq: %v", err)
	}

	resp, body := doJSON(t, ts, http.MethodGet, "/api/v1/dlq", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list dlq: %d", resp.StatusCode)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry: %v", body)
	}
	id, _ := entries[0].(map[string]any)["id"].(string)
	if id == "" {
		t.Fatalf("entry missing id: %v", entries[0])
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/v1/dlq/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete dlq: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/v1/dlq/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleting a missing entry should be 404, got %d", resp.StatusCode)
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	mkReq := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !isAllowedOrigin(mkReq("")) {
		t.Fatal("absent origin must be allowed")
	}
	if !isAllowedOrigin(mkReq("http://localhost:3000")) {
		t.Fatal("localhost must be allowed by default")
	}
	if isAllowedOrigin(mkReq("https://evil.example")) {
		t.Fatal("unknown origin must be rejected by default")
	}

	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://ops.example.com")
	if !isAllowedOrigin(mkReq("https://ops.example.com")) {
		t.Fatal("configured origin must be allowed")
	}
	if isAllowedOrigin(mkReq("https://other.example.com")) {
		t.Fatal("unlisted origin must be rejected")
	}

	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "*")
	if !isAllowedOrigin(mkReq("https://anything.example")) {
		t.Fatal("wildcard must allow any origin")
	}
}
