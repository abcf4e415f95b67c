package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentFlow/sdk/go/agentflow"
)

// The example runs the SDK against an in-process stand-in for the AgentFlow
// API so it can be executed without a running server.
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.Execution{
			ExecutionID: "exec-demo",
			WorkflowID:  "invoice_approval",
			Status:      "waiting_approval",
			PendingStep: "manager_review",
			History:     []string{"validate_invoice"},
		})
	})
	mux.HandleFunc("/api/v1/executions/resume", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.Execution{
			ExecutionID: "exec-demo",
			WorkflowID:  "invoice_approval",
			Status:      "completed",
			History:     []string{"validate_invoice", "manager_review", "archive"},
		})
	})
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.AgentRecord{
			ID:              "agent-demo",
			Name:            "invoice-auditor",
			Tier:            "STUDENT",
			ConfidenceScore: 0.0,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agentflow.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	execution, err := client.ExecuteWorkflow(ctx, "invoice_approval", map[string]any{"amount": 4200})
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s is %s (pending step %s)\n", execution.ExecutionID, execution.Status, execution.PendingStep)

	resumed, err := client.Resume(ctx, execution.ExecutionID, execution.PendingStep)
	if err != nil {
		panic(err)
	}
	fmt.Printf("after approval: %s, path %v\n", resumed.Status, resumed.History)

	record, err := client.CreateAgent(ctx, "invoice-auditor", agentflow.AgentConfiguration{
		AllowedTools: []string{"search"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s at tier %s\n", record.Name, record.Tier)
}
