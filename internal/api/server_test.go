package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/security"
	"github.com/clawinfra/warden/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, secret []byte) (*Server, *sandbox.Engine) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	engine, err := sandbox.NewEngine(sandbox.Config{
		Store:  store,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return NewServer(0, engine, secret, testLogger()), engine
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestValidateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/validate", map[string]any{
		"agent_id":  "agent-1",
		"operation": "execute_command",
		"parameters": map[string]any{
			"command": "sudo rm -rf /",
		},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var decision sandbox.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Verdict != sandbox.VerdictDeny {
		t.Fatalf("verdict %s, want deny", decision.Verdict)
	}
}

func TestValidateEndpointRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/validate", map[string]any{
		"operation": "file_read",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing agent_id: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/validate", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d, want 400", rec2.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/validate", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status = %d, want 405", rec.Code)
	}
}

// escalateFileWrite switches the agent to training and provokes an
// escalation, returning its id.
func escalateFileWrite(t *testing.T, handler http.Handler, engine *sandbox.Engine, agentID string) string {
	t.Helper()
	if _, err := engine.UpdateLevel(agentID, sandbox.LevelTraining, "test"); err != nil {
		t.Fatalf("UpdateLevel: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/validate", map[string]any{
		"agent_id":  agentID,
		"operation": "file_write",
		"parameters": map[string]any{
			"path": "/workspace/out.txt",
		},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: status = %d, body %s", rec.Code, rec.Body)
	}
	var decision sandbox.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Verdict != sandbox.VerdictEscalate {
		t.Fatalf("verdict %s, want escalate", decision.Verdict)
	}
	return decision.EscalationID
}

func TestEscalationReviewFlow(t *testing.T) {
	srv, engine := newTestServer(t, nil)
	handler := srv.Handler()

	id := escalateFileWrite(t, handler, engine, "agent-1")

	// Pending queue lists the new request.
	rec := doJSON(t, handler, http.MethodGet, "/api/escalations", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 {
		t.Fatalf("pending count = %d, want 1", list.Count)
	}

	// Detail fetch.
	rec = doJSON(t, handler, http.MethodGet, "/api/escalations/"+id, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	// Approve.
	rec = doJSON(t, handler, http.MethodPost, "/api/escalations/"+id+"/approve", map[string]any{
		"reviewer": map[string]any{"reviewer_id": "rev-1", "reviewer_name": "Dana"},
		"reason":   "supervised",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status = %d, body %s", rec.Code, rec.Body)
	}
	var esc sandbox.EscalationRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &esc); err != nil {
		t.Fatalf("unmarshal escalation: %v", err)
	}
	if esc.Status != sandbox.StatusApproved {
		t.Fatalf("status %s, want approved", esc.Status)
	}

	// Reviewing again conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/escalations/"+id+"/deny", map[string]any{
		"reviewer": map[string]any{"reviewer_id": "rev-1"},
		"reason":   "changed my mind",
	}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-review: status = %d, want 409", rec.Code)
	}
}

func TestEscalationCancel(t *testing.T) {
	srv, engine := newTestServer(t, nil)
	handler := srv.Handler()

	id := escalateFileWrite(t, handler, engine, "agent-1")

	rec := doJSON(t, handler, http.MethodPost, "/api/escalations/"+id+"/cancel", map[string]any{
		"reason": "no longer needed",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/escalations/"+id, nil, "")
	var esc sandbox.EscalationRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &esc); err != nil {
		t.Fatalf("unmarshal escalation: %v", err)
	}
	if esc.Status != sandbox.StatusCancelled {
		t.Fatalf("status %s, want cancelled", esc.Status)
	}
}

func TestEscalationNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/escalations/no-such-id", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/escalations/no-such-id/approve", map[string]any{
		"reviewer": map[string]any{"reviewer_id": "rev-1"},
	}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("approve unknown: status = %d, want 404", rec.Code)
	}
}

func TestEscalationStats(t *testing.T) {
	srv, engine := newTestServer(t, nil)
	handler := srv.Handler()

	escalateFileWrite(t, handler, engine, "agent-1")

	rec := doJSON(t, handler, http.MethodGet, "/api/escalations/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats sandbox.EscalationStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("total = %d, want 1", stats.Total)
	}
}

func TestSandboxEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	// Level update creates the profile.
	rec := doJSON(t, handler, http.MethodPut, "/api/sandboxes/agent-1/level", map[string]any{
		"level":      "restricted",
		"updated_by": "admin",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("level: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, http.MethodPut, "/api/sandboxes/agent-1/level", map[string]any{
		"level": "medium",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level: status = %d, want 400", rec.Code)
	}

	// Violation recording.
	rec = doJSON(t, handler, http.MethodPost, "/api/sandboxes/agent-1/violations", map[string]any{
		"type":        "path_violation",
		"description": "wrote outside workspace",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("violation: status = %d, body %s", rec.Code, rec.Body)
	}

	// Stats reflect both.
	rec = doJSON(t, handler, http.MethodGet, "/api/sandboxes/agent-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", rec.Code)
	}
	var stats sandbox.AgentStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Level != sandbox.LevelRestricted {
		t.Errorf("level %s, want restricted", stats.Level)
	}
	if stats.ViolationCount != 1 {
		t.Errorf("violations = %d, want 1", stats.ViolationCount)
	}

	// Unknown agent.
	rec = doJSON(t, handler, http.MethodGet, "/api/sandboxes/nobody", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	secret := []byte("api-test-secret")
	srv, engine := newTestServer(t, secret)
	handler := srv.Handler()

	// No token.
	rec := doJSON(t, handler, http.MethodGet, "/api/escalations", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	// Agent tokens cannot act on the review queue.
	if _, err := engine.UpdateLevel("agent-1", sandbox.LevelTraining, "test"); err != nil {
		t.Fatalf("UpdateLevel: %v", err)
	}
	agentToken, err := security.Issue("agent-1", security.RoleAgent, secret, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/validate", map[string]any{
		"agent_id":   "agent-1",
		"operation":  "file_write",
		"parameters": map[string]any{"path": "/workspace/x"},
	}, agentToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("agent validate: status = %d, body %s", rec.Code, rec.Body)
	}
	var decision sandbox.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}

	approvePath := fmt.Sprintf("/api/escalations/%s/approve", decision.EscalationID)
	rec = doJSON(t, handler, http.MethodPost, approvePath, map[string]any{
		"reviewer": map[string]any{"reviewer_id": "rev-1"},
	}, agentToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("agent approve: status = %d, want 403", rec.Code)
	}

	// Reviewer tokens can; the reviewer identity comes from the token when
	// the body omits it.
	reviewerToken, err := security.IssueForDepartment("rev-1", security.RoleReviewer, "platform", secret, time.Hour)
	if err != nil {
		t.Fatalf("IssueForDepartment: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, approvePath, map[string]any{
		"reason": "fine",
	}, reviewerToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("reviewer approve: status = %d, body %s", rec.Code, rec.Body)
	}

	esc, err := engine.Escalations().Get(decision.EscalationID)
	if err != nil {
		t.Fatalf("Get escalation: %v", err)
	}
	if esc.Reviewer == nil || esc.Reviewer.ReviewerID != "rev-1" {
		t.Fatal("reviewer identity not taken from the token")
	}
	if esc.Reviewer.Department != "platform" {
		t.Errorf("reviewer department = %q, want platform", esc.Reviewer.Department)
	}
}
