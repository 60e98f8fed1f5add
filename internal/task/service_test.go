package task

import (
	"context"
	"testing"

	"TaskWarden/internal/audit"
)

func TestSubmitUngatedTaskExecutesImmediately(t *testing.T) {
	service, store, trail, producer := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	task, err := service.Submit(ctx, CreateRequest{ActionRefs: []string{"notify_team"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ApprovalRequired {
		t.Fatalf("ungated task must not require approval")
	}
	// 不需要审批的任务绝不经过 pending_approval。
	if task.Status != StatusApprovedExecuting {
		t.Fatalf("expected approved_executing, got %s", task.Status)
	}
	if producer.count() != 1 {
		t.Fatalf("expected 1 publish, got %d", producer.count())
	}

	stored, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusApprovedExecuting {
		t.Fatalf("unexpected stored status %s", stored.Status)
	}
	if len(trail.entriesOf(audit.TypeTransition)) == 0 {
		t.Fatalf("expected transition audit entry")
	}
}

func TestSubmitGatedTaskWaitsForApproval(t *testing.T) {
	service, _, _, producer := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	task, err := service.Submit(ctx, CreateRequest{ActionRefs: []string{"wire_transfer"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !task.ApprovalRequired {
		t.Fatalf("gated action must require approval")
	}
	if task.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", task.Status)
	}
	if producer.count() != 0 {
		t.Fatalf("gated task must not be published before approval, got %d", producer.count())
	}
}

func TestSubmitUnknownActionGoesToApproval(t *testing.T) {
	service, _, _, _ := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	task, err := service.Submit(ctx, CreateRequest{ActionRefs: []string{"no_such_action"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusPendingApproval {
		t.Fatalf("unknown action must be routed to a human, got %s", task.Status)
	}
}

func TestSubmitIsIdempotentByID(t *testing.T) {
	service, _, _, producer := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	first, err := service.Submit(ctx, CreateRequest{ID: "fixed", ActionRefs: []string{"notify_team"}})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, CreateRequest{ID: "fixed", ActionRefs: []string{"notify_team"}})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %s and %s", first.ID, second.ID)
	}
	if producer.count() != 1 {
		t.Fatalf("re-submit must not publish again, got %d", producer.count())
	}
}

func TestSubmitRejectsEmptyActionRefs(t *testing.T) {
	service, _, _, _ := newTestService(newTestRegistry(nil))
	if _, err := service.Submit(context.Background(), CreateRequest{}); err == nil {
		t.Fatalf("expected error for empty action refs")
	}
}

func TestSubmitPublishFailureMarksExecutionFailed(t *testing.T) {
	registry := newTestRegistry(nil)
	store := NewMemoryStore()
	producer := &captureProducer{fail: errStubTransport}
	trail := &captureTrail{Recorder: audit.NewMemoryTrail()}
	service := NewService(store, producer, registry, trail)
	ctx := context.Background()

	if _, err := service.Submit(ctx, CreateRequest{ID: "doomed", ActionRefs: []string{"notify_team"}}); err == nil {
		t.Fatalf("expected publish failure to surface")
	}

	stored, err := store.Get(ctx, "doomed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecutionFailed {
		t.Fatalf("expected execution_failed after publish failure, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", stored.RetryCount)
	}
	if stored.Result == nil || stored.Result.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("expected publish error recorded, got %+v", stored.Result)
	}
}

func TestResetDecisionReturnsTaskToApprovalQueue(t *testing.T) {
	service, store, trail, _ := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	if err := store.Create(ctx, &Task{
		ID:               "broken",
		ActionRefs:       []string{"wire_transfer"},
		Status:           StatusExecutionFailed,
		ApprovalRequired: true,
		Approved:         true,
		DecisionNote:     "ship it",
		RetryCount:       2,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	reset, err := service.ResetDecision(ctx, "broken")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", reset.Status)
	}
	if reset.Approved || reset.Rejected || reset.DecisionNote != "" || reset.DecidedAt != 0 {
		t.Fatalf("decision fields must be cleared: %+v", reset)
	}
	// 重试历史是账目，重置不抹掉。
	if reset.RetryCount != 2 {
		t.Fatalf("retry count must survive reset, got %d", reset.RetryCount)
	}
	if len(trail.entriesOf(audit.TypeTransition)) == 0 {
		t.Fatalf("expected transition audit entry for reset")
	}
}

func TestResetDecisionOnlyFromExecutionFailed(t *testing.T) {
	service, store, _, _ := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "done", Status: StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.ResetDecision(ctx, "done"); err == nil {
		t.Fatalf("expected reset of completed task to fail")
	}
}

func TestRecordDecisionLeavesStateUntouched(t *testing.T) {
	service, store, trail, producer := newTestService(newTestRegistry(nil))
	ctx := context.Background()

	task, err := service.Submit(ctx, CreateRequest{ActionRefs: []string{"wire_transfer"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	decided, err := service.RecordDecision(ctx, task.ID, true, "approved by alice")
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	// 决策只落字段，状态迁移是扫描器的事。
	if decided.Status != StatusPendingApproval {
		t.Fatalf("decision must not move the task, got %s", decided.Status)
	}
	if producer.count() != 0 {
		t.Fatalf("decision must not publish, got %d", producer.count())
	}
	if len(trail.entriesOf(audit.TypeDecision)) != 1 {
		t.Fatalf("expected one decision audit entry")
	}

	stored, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Approved {
		t.Fatalf("approval flag not persisted")
	}
}
