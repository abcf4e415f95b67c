package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentFlow/internal/governance"
	"AgentFlow/internal/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registry := workflow.NewExecutorRegistry()
	err := registry.Register("scripted", workflow.ExecutorFunc(func(_ context.Context, _ *workflow.Step, params map[string]any, _ *workflow.Context) (map[string]any, error) {
		confidence := 1.0
		if raw, ok := params["confidence"].(float64); ok {
			confidence = raw
		}
		return map[string]any{"status": "completed", "confidence": confidence}, nil
	}))
	if err != nil {
		t.Fatalf("register executor: %v", err)
	}

	orchestrator := workflow.NewOrchestrator(workflow.NewMemoryStore(), registry)
	def := &workflow.Definition{
		ID:        "review-flow",
		EntryStep: "draft",
		Steps: []*workflow.Step{
			{
				ID:                  "draft",
				Type:                "scripted",
				Params:              map[string]any{"confidence": 0.4},
				ConfidenceThreshold: floatPtr(0.7),
				NextSteps:           []workflow.Transition{{Step: "publish"}},
			},
			{ID: "publish", Type: "scripted", ConfidenceThreshold: floatPtr(0.1)},
		},
	}
	if err := orchestrator.RegisterDefinition(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	governanceSvc, err := governance.NewService(governance.NewMemoryRegistry(), governance.NewPolicy(governance.TierStudent, nil), 0.01)
	if err != nil {
		t.Fatalf("create governance service: %v", err)
	}
	return NewServer(":0", orchestrator, governanceSvc, nil)
}

func floatPtr(v float64) *float64 { return &v }

func TestExecuteResumeRoundTrip(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/execute",
		strings.NewReader(`{"workflow_id":"review-flow","variables":{"topic":"pricing"}}`))
	rec := httptest.NewRecorder()
	server.handleExecute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var paused workflow.Context
	if err := json.Unmarshal(rec.Body.Bytes(), &paused); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if paused.Status != workflow.StatusWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", paused.Status)
	}
	if paused.PendingStep != "draft" {
		t.Fatalf("unexpected pending step: %s", paused.PendingStep)
	}

	t.Run("wrong step rejected", func(t *testing.T) {
		body := `{"execution_id":"` + paused.ExecutionID + `","approved_step":"publish"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/resume", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.handleResume(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	body := `{"execution_id":"` + paused.ExecutionID + `","approved_step":"draft"}`
	resumeReq := httptest.NewRequest(http.MethodPost, "/api/v1/executions/resume", strings.NewReader(body))
	resumeRec := httptest.NewRecorder()
	server.handleResume(resumeRec, resumeReq)

	if resumeRec.Code != http.StatusOK {
		t.Fatalf("resume failed: %d body %s", resumeRec.Code, resumeRec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := server.orchestrator.WaitUntilTerminal(ctx, paused.ExecutionID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal state: %v", err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.LastError)
	}
}

func TestHandleExecutionDetailErrors(t *testing.T) {
	server := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1", nil)
		rec := httptest.NewRecorder()
		server.handleExecutionDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/", nil)
		rec := httptest.NewRecorder()
		server.handleExecutionDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/missing", nil)
		rec := httptest.NewRecorder()
		server.handleExecutionDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var payload errorPayload
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if payload.Code != string(workflow.CodeExecutionNotFound) {
			t.Fatalf("unexpected error code: %s", payload.Code)
		}
	})
}

func TestHandleAgents(t *testing.T) {
	server := newTestServer(t)

	createBody := `{"name":"researcher","configuration":{"system_prompt":"be brief","allowed_tools":["search"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(createBody))
	rec := httptest.NewRecorder()
	server.handleAgents(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body.String())
	}
	var record governance.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if record.Tier != governance.TierStudent {
		t.Fatalf("expected STUDENT tier, got %s", record.Tier)
	}

	t.Run("duplicate name", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(createBody))
		rec := httptest.NewRecorder()
		server.handleAgents(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
		rec := httptest.NewRecorder()
		server.handleAgents(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: %d", rec.Code)
		}
		var records []governance.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
			t.Fatalf("decode agents: %v", err)
		}
		if len(records) != 1 || records[0].Name != "researcher" {
			t.Fatalf("unexpected agents: %+v", records)
		}
	})
}

func TestWithAuth(t *testing.T) {
	server := newTestServer(t)
	WithAuthToken("secret")(server)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := server.withAuth(next)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("healthz bypass", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
	})
}

func TestParseListOptionsRejectsBadStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions?status=unknown", nil)
	if _, err := parseListOptions(req); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
