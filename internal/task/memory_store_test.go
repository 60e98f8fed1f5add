package task

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "TaskWarden/internal/errors"
)

func TestMemoryStoreTransitionGuards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", ActionRefs: []string{"notify_team"}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.Transition(ctx, "t1", StatusCreated, StatusPendingApproval, nil)
	if err != nil {
		t.Fatalf("transition created -> pending_approval: %v", err)
	}
	if updated.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}

	// 前置状态已过期的迁移必须拒绝且不留痕迹。
	if _, err := store.Transition(ctx, "t1", StatusCreated, StatusPendingApproval, nil); !stdErrors.Is(err, ErrStaleState) {
		t.Fatalf("expected stale state error, got %v", err)
	}

	// 状态机不认识的边直接拒绝，与当前状态无关。
	_, err = store.Transition(ctx, "t1", StatusPendingApproval, StatusCompleted, nil)
	if xerrors.CodeOf(err) != CodeTaskConflict {
		t.Fatalf("expected conflict for invalid edge, got %v", err)
	}

	if _, err := store.Transition(ctx, "missing", StatusCreated, StatusPendingApproval, nil); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPendingApproval {
		t.Fatalf("failed transitions must not change state, got %s", got.Status)
	}
}

func TestMemoryStoreTransitionAppliesMutation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Status: StatusApprovedExecuting}); err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := store.Transition(ctx, "t1", StatusApprovedExecuting, StatusExecutionFailed, func(task *Task) {
		task.RetryCount++
		task.Result = &ExecutionResult{ErrorCode: "BOOM", Error: "boom"}
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", updated.RetryCount)
	}
	if updated.Result == nil || updated.Result.ErrorCode != "BOOM" {
		t.Fatalf("mutation result not persisted: %+v", updated.Result)
	}
}

func TestMemoryStoreRecordDecision(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Status: StatusPendingApproval}); err != nil {
		t.Fatalf("create: %v", err)
	}

	approved, err := store.RecordDecision(ctx, "t1", true, "looks good")
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if !approved.Approved || approved.Rejected {
		t.Fatalf("unexpected decision flags: %+v", approved)
	}
	if approved.DecisionNote != "looks good" {
		t.Fatalf("expected note persisted, got %q", approved.DecisionNote)
	}

	// 决策只对等待审批的任务生效。
	if _, err := store.Transition(ctx, "t1", StatusPendingApproval, StatusApprovedExecuting, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.RecordDecision(ctx, "t1", false, "too late"); !stdErrors.Is(err, ErrStaleState) {
		t.Fatalf("expected stale state after leaving approval queue, got %v", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	statuses := []Status{StatusPendingApproval, StatusCompleted, StatusExecutionFailed}
	for i, status := range statuses {
		id := []string{"t1", "t2", "t3"}[i]
		if err := store.Create(ctx, &Task{ID: id, Status: status}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	pending, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPendingApproval)}))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent tasks, got %d", len(recent))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.PendingApproval != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Payload: map[string]any{"key": "value"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Payload["key"] = "mutated"
	first.Status = StatusCompleted

	second, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if second.Payload["key"] != "value" || second.Status != StatusCreated {
		t.Fatalf("store leaked internal state: %+v", second)
	}
}
