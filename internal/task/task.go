package task

import (
	"TaskWarden/internal/action"
	xerrors "TaskWarden/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	// StatusCreated 任务刚由外部发起方创建，尚未分类。
	StatusCreated Status = "created"
	// StatusPendingApproval 任务等待人工审批。
	StatusPendingApproval Status = "pending_approval"
	// StatusApprovedExecuting 审批已通过，动作正在或即将执行。
	StatusApprovedExecuting Status = "approved_executing"
	// StatusCompleted 所有动作执行成功，终态。
	StatusCompleted Status = "completed"
	// StatusRejected 人工拒绝，终态，永不执行。
	StatusRejected Status = "rejected"
	// StatusExecutionFailed 执行失败，等待操作员处置。
	StatusExecutionFailed Status = "execution_failed"
)

// ExecutionResult 保存最近一次执行尝试的结果。
type ExecutionResult struct {
	Summary   string          `json:"summary,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Simulated bool            `json:"simulated,omitempty"`
	Actions   []action.Result `json:"actions,omitempty"`
}

// Task 描述一个可能带外部副作用的受托任务。
type Task struct {
	ID         string         `json:"id"`
	ActionRefs []string       `json:"action_refs,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     Status         `json:"status"`
	// ApprovalRequired 在创建时由审批门计算一次，之后不再重算。
	ApprovalRequired bool `json:"approval_required"`
	// Approved 与 Rejected 仅由外部决策面写入；核心只读取并在迁移时消费。
	Approved     bool   `json:"approved"`
	Rejected     bool   `json:"rejected"`
	DecisionNote string `json:"decision_note,omitempty"`
	// RetryCount 每次已审批执行失败时递增，只增不减。
	RetryCount  int              `json:"retry_count"`
	Result      *ExecutionResult `json:"result,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	DecidedAt   int64            `json:"decided_at,omitempty"`
	CompletedAt int64            `json:"completed_at,omitempty"`
	UpdatedAt   int64            `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrStaleState 表示迁移前置状态已被并发修改。竞争失败方静默跳过即可。
	ErrStaleState = xerrors.New(CodeTaskStale, "task state is stale")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
)

const (
	CodeTaskNotFound  xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskStale     xerrors.Code = "TASK_STALE_STATE"
	CodeTaskConflict  xerrors.Code = "TASK_CONFLICT"
	CodeTaskExecution xerrors.Code = "TASK_EXECUTION_FAILED"
	CodeTaskPublish   xerrors.Code = "TASK_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskStale, xerrors.Attributes{
		Message:  "task state is stale",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskExecution, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// allowedTransitions 是整个核心的权威状态机。
var allowedTransitions = map[Status][]Status{
	StatusCreated:           {StatusPendingApproval, StatusApprovedExecuting},
	StatusPendingApproval:   {StatusApprovedExecuting, StatusRejected},
	StatusApprovedExecuting: {StatusCompleted, StatusExecutionFailed},
	// 操作员重置是唯一的逃生通道，重新进入审批队列。
	StatusExecutionFailed: {StatusPendingApproval},
}

// CanTransition 判断状态机是否允许 from 到 to 的迁移。
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusRejected
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusPendingApproval, StatusApprovedExecuting,
		StatusCompleted, StatusRejected, StatusExecutionFailed:
		return true
	default:
		return false
	}
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.ActionRefs = append([]string(nil), task.ActionRefs...)
	clone.Payload = clonePayload(task.Payload)
	if task.Result != nil {
		resultCopy := *task.Result
		resultCopy.Actions = append([]action.Result(nil), task.Result.Actions...)
		clone.Result = &resultCopy
	}
	return &clone
}
