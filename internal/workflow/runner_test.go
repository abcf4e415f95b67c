package workflow

import (
	"context"
	"testing"
	"time"
)

const queuedPipelineJSON = `{
  "id": "queued_pipeline",
  "entry_step": "draft",
  "steps": [
    {
      "id": "draft",
      "type": "probe",
      "params": {"confidence": 0.4},
      "confidence_threshold": 0.8,
      "next_steps": [{"step": "publish"}]
    },
    {
      "id": "publish",
      "type": "probe",
      "params": {"confidence": 1}
    }
  ]
}`

func TestRunnerDrivesQueuedContinuations(t *testing.T) {
	queue := NewMemoryQueue(8)
	registry := NewExecutorRegistry()
	probe := ExecutorFunc(func(_ context.Context, _ *Step, params map[string]any, _ *Context) (map[string]any, error) {
		confidence, _ := params["confidence"].(float64)
		return map[string]any{"status": "completed", "confidence": confidence}, nil
	})
	if err := registry.Register("probe", probe); err != nil {
		t.Fatalf("register executor: %v", err)
	}

	orchestrator := NewOrchestrator(NewMemoryStore(), registry, WithContinuationProducer(queue))
	def, err := ParseDefinition([]byte(queuedPipelineJSON))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if err := orchestrator.RegisterDefinition(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	runner := NewRunner(orchestrator, queue, WithRunnerWorkerCount(2))
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	t.Cleanup(stopRunner)
	go runner.Start(runnerCtx)

	ctx := context.Background()
	execution, err := orchestrator.Execute(ctx, "queued_pipeline", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if execution.Status != StatusWaitingApproval || execution.PendingStep != "draft" {
		t.Fatalf("expected pause at draft, got %s/%s", execution.Status, execution.PendingStep)
	}

	// 未知 ID 的消息应被消费并忽略，不得卡住后续续跑。
	if err := queue.Publish(ctx, "ghost"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := orchestrator.Resume(ctx, execution.ExecutionID, "draft"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := orchestrator.WaitUntilTerminal(waitCtx, execution.ExecutionID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until terminal: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, StatusCompleted)
	}
	if len(final.History) != 2 || final.History[0] != "draft" || final.History[1] != "publish" {
		t.Fatalf("history = %v, want [draft publish]", final.History)
	}
}

func TestMemoryQueueCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := queue.Publish(context.Background(), "x"); err == nil {
		t.Fatal("publish after close should fail")
	}
}
