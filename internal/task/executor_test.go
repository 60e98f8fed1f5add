package task

import (
	"context"
	"testing"

	"TaskWarden/internal/action"
	"TaskWarden/internal/audit"
	xerrors "TaskWarden/internal/errors"
)

func newExecutingTask(t *testing.T, store Store, id string, refs ...string) *Task {
	t.Helper()
	task := &Task{ID: id, ActionRefs: refs, Status: StatusApprovedExecuting}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return task
}

func newTestExecutor(registry *action.Registry) (*Executor, *MemoryStore, *captureTrail) {
	store := NewMemoryStore()
	trail := &captureTrail{Recorder: audit.NewMemoryTrail()}
	executor := NewExecutor(store, NewMemoryQueue(8), registry, trail)
	return executor, store, trail
}

func TestExecutorRunsActionsInOrder(t *testing.T) {
	calls := &callLog{}
	registry := action.NewRegistry()
	mustRegister(registry, &action.Definition{Name: "first", Handler: &stubHandler{name: "first", calls: calls}})
	mustRegister(registry, &action.Definition{Name: "second", Handler: &stubHandler{name: "second", calls: calls}})

	executor, store, trail := newTestExecutor(registry)
	ctx := context.Background()
	newExecutingTask(t, store, "ordered", "first", "second")

	if err := executor.handle(ctx, "ordered"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	order := calls.snapshot()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected call order: %v", order)
	}

	stored, err := store.Get(ctx, "ordered")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.CompletedAt == 0 {
		t.Fatalf("expected completed_at to be stamped")
	}
	if stored.Result == nil || len(stored.Result.Actions) != 2 {
		t.Fatalf("expected 2 action results, got %+v", stored.Result)
	}
	if len(trail.entriesOf(audit.TypeExecution)) != 1 {
		t.Fatalf("expected execution audit entry")
	}
}

func TestExecutorStopsAtFirstFailure(t *testing.T) {
	calls := &callLog{}
	registry := action.NewRegistry()
	mustRegister(registry, &action.Definition{Name: "boom", Handler: &stubHandler{name: "boom", calls: calls, err: errStubTransport}})
	mustRegister(registry, &action.Definition{Name: "after", Handler: &stubHandler{name: "after", calls: calls}})

	executor, store, _ := newTestExecutor(registry)
	ctx := context.Background()
	newExecutingTask(t, store, "fails", "boom", "after")

	if err := executor.handle(ctx, "fails"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// 第一个失败之后的动作绝不能被尝试。
	order := calls.snapshot()
	if len(order) != 1 || order[0] != "boom" {
		t.Fatalf("later actions must not run after a failure: %v", order)
	}

	stored, err := store.Get(ctx, "fails")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", stored.RetryCount)
	}
	if stored.Result == nil || stored.Result.ErrorCode != string(action.CodeTransport) {
		t.Fatalf("expected transport error code, got %+v", stored.Result)
	}
}

func TestExecutorValidationFailureIsNotRetryable(t *testing.T) {
	registry := action.NewRegistry()
	mustRegister(registry, &action.Definition{
		Name:    "strict",
		Handler: &stubHandler{name: "strict"},
		Validate: func(map[string]any) error {
			return xerrors.New(action.CodeValidation, "missing field")
		},
	})

	executor, store, _ := newTestExecutor(registry)
	ctx := context.Background()
	newExecutingTask(t, store, "invalid", "strict")

	if err := executor.handle(ctx, "invalid"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored, err := store.Get(ctx, "invalid")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", stored.Status)
	}
	if stored.Result == nil || stored.Result.ErrorCode != string(action.CodeValidation) {
		t.Fatalf("expected validation error code, got %+v", stored.Result)
	}
}

func TestExecutorUnknownActionFails(t *testing.T) {
	executor, store, _ := newTestExecutor(action.NewRegistry())
	ctx := context.Background()
	newExecutingTask(t, store, "ghost", "not_registered")

	if err := executor.handle(ctx, "ghost"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored, err := store.Get(ctx, "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusExecutionFailed {
		t.Fatalf("expected execution_failed, got %s", stored.Status)
	}
	if stored.Result == nil || stored.Result.ErrorCode != string(action.CodeUnknownAction) {
		t.Fatalf("expected unknown action code, got %+v", stored.Result)
	}
}

func TestExecutorSkipsRedeliveredTask(t *testing.T) {
	calls := &callLog{}
	registry := action.NewRegistry()
	mustRegister(registry, &action.Definition{Name: "once", Handler: &stubHandler{name: "once", calls: calls}})

	executor, store, _ := newTestExecutor(registry)
	ctx := context.Background()
	newExecutingTask(t, store, "dup", "once")

	if err := executor.handle(ctx, "dup"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// 队列重复投递同一消息，任务已经完成，不得再次执行。
	if err := executor.handle(ctx, "dup"); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if len(calls.snapshot()) != 1 {
		t.Fatalf("redelivery must not re-run actions: %v", calls.snapshot())
	}
}

func TestExecutorIgnoresMissingTask(t *testing.T) {
	executor, _, _ := newTestExecutor(action.NewRegistry())
	if err := executor.handle(context.Background(), "gone"); err != nil {
		t.Fatalf("missing task must be skipped silently: %v", err)
	}
}

func TestExecutorSimulatedEmailRoundTrip(t *testing.T) {
	registry := action.NewRegistry()
	handler, err := action.NewEmailHandler(action.EmailConfig{})
	if err != nil {
		t.Fatalf("email handler: %v", err)
	}
	mustRegister(registry, &action.Definition{
		Name:     action.SendEmailAction,
		Validate: action.ValidateEmailPayload,
		Handler:  handler,
	})

	executor, store, _ := newTestExecutor(registry)
	ctx := context.Background()
	task := &Task{
		ID:         "mail",
		ActionRefs: []string{action.SendEmailAction},
		Status:     StatusApprovedExecuting,
		Payload: map[string]any{
			"to":      "ops@example.com",
			"from":    "warden@example.com",
			"subject": "deploy finished",
			"body":    "all green",
		},
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := executor.handle(ctx, "mail"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored, err := store.Get(ctx, "mail")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.Result == nil || !stored.Result.Simulated {
		t.Fatalf("expected simulated result, got %+v", stored.Result)
	}
	if len(stored.Result.Actions) != 1 || stored.Result.Actions[0].Reference == "" {
		t.Fatalf("expected action reference, got %+v", stored.Result.Actions)
	}
}
