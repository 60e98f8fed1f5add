package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"TaskWarden/internal/action"
	"TaskWarden/internal/audit"
	xerrors "TaskWarden/internal/errors"
	"TaskWarden/internal/observability/metrics"
	"TaskWarden/pkg/logger"
)

// CreateRequest 描述一次任务创建请求。
type CreateRequest struct {
	ID         string         `json:"id,omitempty"`
	ActionRefs []string       `json:"action_refs"`
	Payload    map[string]any `json:"payload,omitempty"`
	// RequestApproval 允许发起方强制走人工审批，即使动作本身不要求。
	RequestApproval bool `json:"request_approval,omitempty"`
}

// Service 负责任务的创建、决策入口与查询。
type Service struct {
	store    Store
	producer Producer
	registry *action.Registry
	trail    audit.Trail
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, registry *action.Registry, trail audit.Trail) *Service {
	return &Service{store: store, producer: producer, registry: registry, trail: trail}
}

// Submit 创建任务并完成分类：需要审批的进入等待队列，
// 不需要的直接投递执行。同一 ID 重复提交幂等返回已有任务。
func (s *Service) Submit(ctx context.Context, req CreateRequest) (*Task, error) {
	if len(req.ActionRefs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务至少需要一个动作引用")
	}
	if s.store == nil || s.producer == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	required := Classify(s.registry, req.ActionRefs, req.RequestApproval)

	task := &Task{
		ID:               taskID,
		ActionRefs:       append([]string(nil), req.ActionRefs...),
		Payload:          clonePayload(req.Payload),
		Status:           StatusCreated,
		ApprovalRequired: required,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	if required {
		return s.moveToPendingApproval(ctx, task)
	}
	return s.dispatch(ctx, task, StatusCreated)
}

func (s *Service) moveToPendingApproval(ctx context.Context, task *Task) (*Task, error) {
	updated, err := s.store.Transition(ctx, task.ID, StatusCreated, StatusPendingApproval, nil)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, audit.Entry{
		Type:       audit.TypeTransition,
		TaskID:     updated.ID,
		FromStatus: string(StatusCreated),
		ToStatus:   string(StatusPendingApproval),
		Detail:     "等待人工审批",
	})
	metrics.ObserveTaskTransition(string(StatusCreated), string(StatusPendingApproval))
	logger.Audit().Info("任务进入审批队列",
		slog.String("task_id", updated.ID),
		slog.Any("action_refs", updated.ActionRefs),
	)
	return updated, nil
}

// dispatch 把任务迁移到执行态并投递到交接队列。
// 投递失败立即落为 execution_failed，等待操作员处置，绝不自动重试。
func (s *Service) dispatch(ctx context.Context, task *Task, from Status) (*Task, error) {
	updated, err := s.store.Transition(ctx, task.ID, from, StatusApprovedExecuting, func(t *Task) {
		if from == StatusPendingApproval {
			t.DecidedAt = time.Now().Unix()
		}
	})
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, audit.Entry{
		Type:       audit.TypeTransition,
		TaskID:     updated.ID,
		FromStatus: string(from),
		ToStatus:   string(StatusApprovedExecuting),
	})
	metrics.ObserveTaskTransition(string(from), string(StatusApprovedExecuting))

	if err := s.producer.Publish(ctx, updated.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", updated.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		failed, transErr := s.store.Transition(ctx, updated.ID, StatusApprovedExecuting, StatusExecutionFailed, func(t *Task) {
			t.RetryCount++
			t.Result = &ExecutionResult{
				ErrorCode: string(CodeTaskPublish),
				Error:     wrapped.Error(),
			}
		})
		if transErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", transErr), slog.String("task_id", updated.ID))
			return nil, wrapped
		}
		s.appendAudit(ctx, audit.Entry{
			Type:       audit.TypeTransition,
			TaskID:     failed.ID,
			FromStatus: string(StatusApprovedExecuting),
			ToStatus:   string(StatusExecutionFailed),
			Detail:     wrapped.Error(),
		})
		metrics.ObserveTaskTransition(string(StatusApprovedExecuting), string(StatusExecutionFailed))
		return nil, wrapped
	}

	logger.Audit().Info("任务已投递执行",
		slog.String("task_id", updated.ID),
		slog.Any("action_refs", updated.ActionRefs),
		slog.Bool("approval_required", updated.ApprovalRequired),
	)
	return updated, nil
}

// RecordDecision 写入人工审批决定。状态的实际迁移由扫描器完成，
// 这里只负责落决策字段并留下审计记录。
func (s *Service) RecordDecision(ctx context.Context, id string, approved bool, note string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.RecordDecision(ctx, id, approved, note)
	if err != nil {
		return nil, err
	}
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	s.appendAudit(ctx, audit.Entry{
		Type:   audit.TypeDecision,
		TaskID: task.ID,
		Detail: verdict + ": " + note,
	})
	logger.Audit().Info("收到人工决策",
		slog.String("task_id", task.ID),
		slog.Bool("approved", approved),
		slog.String("note", note),
	)
	return task, nil
}

// ResetDecision 是操作员的逃生通道：把执行失败的任务重新放回审批队列，
// 清空既有决策，保留重试计数。
func (s *Service) ResetDecision(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	updated, err := s.store.Transition(ctx, id, StatusExecutionFailed, StatusPendingApproval, func(t *Task) {
		t.Approved = false
		t.Rejected = false
		t.DecisionNote = ""
		t.DecidedAt = 0
	})
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, audit.Entry{
		Type:       audit.TypeTransition,
		TaskID:     updated.ID,
		FromStatus: string(StatusExecutionFailed),
		ToStatus:   string(StatusPendingApproval),
		Detail:     "操作员重置，重新进入审批队列",
	})
	metrics.ObserveTaskTransition(string(StatusExecutionFailed), string(StatusPendingApproval))
	logger.Audit().Warn("任务被操作员重置",
		slog.String("task_id", updated.ID),
		slog.Int("retry_count", updated.RetryCount),
	)
	return updated, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态，直到任务停在
// completed、rejected 或 execution_failed。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(task.Status) || task.Status == StatusExecutionFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

func (s *Service) appendAudit(ctx context.Context, entry audit.Entry) {
	if s.trail == nil {
		return
	}
	s.trail.Append(ctx, entry)
}
