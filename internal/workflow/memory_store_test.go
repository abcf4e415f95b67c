package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wctx := &Context{ExecutionID: "exec-1", WorkflowID: "wf", Status: StatusPending}
	if err := store.CreateExecution(ctx, wctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if wctx.Version != 1 || wctx.CreatedAt == 0 {
		t.Fatalf("create should stamp version and timestamps: %+v", wctx)
	}
	if err := store.CreateExecution(ctx, &Context{ExecutionID: "exec-1"}); !errors.Is(err, ErrExecutionConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	wctx.Status = StatusRunning
	if err := store.UpdateExecution(ctx, wctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, err := store.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Version != 2 || loaded.Status != StatusRunning {
		t.Fatalf("unexpected state after update: %+v", loaded)
	}

	// 返回的是拷贝，调用方修改不影响存储。
	loaded.Variables = map[string]any{"x": 1}
	again, _ := store.GetExecution(ctx, "exec-1")
	if again.Variables != nil {
		t.Fatal("store must hand out clones")
	}

	if _, err := store.GetExecution(ctx, "ghost"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.UpdateExecution(ctx, &Context{ExecutionID: "ghost"}); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-5 * time.Minute).Unix()
	seed := []struct {
		id     string
		wf     string
		status Status
		offset int64
	}{
		{"exec-a", "invoice", StatusCompleted, 0},
		{"exec-b", "invoice", StatusWaitingApproval, 60},
		{"exec-c", "payroll", StatusFailed, 120},
		{"exec-d", "payroll", StatusRunning, 180},
	}
	for _, item := range seed {
		wctx := &Context{ExecutionID: item.id, WorkflowID: item.wf, Status: item.status}
		if item.status == StatusFailed {
			wctx.LastError = "boom"
		}
		if err := store.CreateExecution(ctx, wctx); err != nil {
			t.Fatalf("create %s: %v", item.id, err)
		}
		store.mu.Lock()
		store.executions[item.id].UpdatedAt = base + item.offset
		store.mu.Unlock()
	}

	all, err := store.ListExecutions(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ExecutionID != "exec-d" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	asc, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if asc[0].ExecutionID != "exec-a" {
		t.Fatalf("expected oldest first, got %s", asc[0].ExecutionID)
	}

	invoices, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithWorkflow("invoice")}))
	if err != nil {
		t.Fatalf("list by workflow: %v", err)
	}
	if len(invoices) != 2 {
		t.Fatalf("expected 2 invoice executions, got %d", len(invoices))
	}

	waiting, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithStatuses(StatusWaitingApproval, StatusRunning)}))
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(waiting))
	}

	paged, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(2), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 2 || paged[0].ExecutionID != "exec-b" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	since, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithUpdatedSince(time.Unix(base+90, 0))}))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 recent executions, got %d", len(since))
	}

	byError, err := store.ListExecutions(ctx, buildListOptions([]ListOption{WithQuery("boom")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byError) != 1 || byError[0].ExecutionID != "exec-c" {
		t.Fatalf("unexpected query result: %+v", byError)
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Completed != 1 || stats.WaitingApproval != 1 || stats.Failed != 1 || stats.Running != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base || stats.NewestUpdatedAt != base+180 {
		t.Fatalf("unexpected stats bounds: %+v", stats)
	}
}

func TestMemoryStoreSnapshots(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.LatestSnapshot(ctx, "exec-1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot not found, got %v", err)
	}

	for _, stepID := range []string{"draft", "review", "draft"} {
		snapshot := &Snapshot{
			ExecutionID: "exec-1",
			StepID:      stepID,
			Context:     &Context{ExecutionID: "exec-1", CurrentStep: stepID},
		}
		if err := store.SaveSnapshot(ctx, snapshot); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}
	}

	latest, err := store.LatestSnapshot(ctx, "exec-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Sequence != 3 || latest.StepID != "draft" {
		t.Fatalf("unexpected latest snapshot: %+v", latest)
	}

	// SnapshotAt 返回该步骤最近的一条。
	at, err := store.SnapshotAt(ctx, "exec-1", "draft")
	if err != nil {
		t.Fatalf("snapshot at: %v", err)
	}
	if at.Sequence != 3 {
		t.Fatalf("expected most recent draft snapshot, got %+v", at)
	}
	review, err := store.SnapshotAt(ctx, "exec-1", "review")
	if err != nil {
		t.Fatalf("snapshot at review: %v", err)
	}
	if review.Sequence != 2 {
		t.Fatalf("unexpected review snapshot: %+v", review)
	}
	if _, err := store.SnapshotAt(ctx, "exec-1", "ghost"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot not found, got %v", err)
	}

	log, err := store.ListSnapshots(ctx, "exec-1")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(log) != 3 || log[0].Sequence != 1 || log[2].Sequence != 3 {
		t.Fatalf("unexpected snapshot log: %+v", log)
	}
}
