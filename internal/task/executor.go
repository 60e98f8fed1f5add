package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"TaskWarden/internal/action"
	"TaskWarden/internal/audit"
	xerrors "TaskWarden/internal/errors"
	"TaskWarden/internal/observability/alerting"
	"TaskWarden/internal/observability/metrics"
	"TaskWarden/pkg/logger"
)

// DefaultActionTimeout 限制单个动作的执行时长。
const DefaultActionTimeout = 60 * time.Second

// Executor 消费交接队列，按顺序执行任务的动作并回写结果。
// 每个任务只会被成功执行一次：上游的受保护迁移保证同一任务
// 不会被两个执行者同时认领，重复投递在状态检查处被丢弃。
type Executor struct {
	store         Store
	consumer      Consumer
	registry      *action.Registry
	trail         audit.Trail
	alerter       alerting.Dispatcher
	workerCount   int
	actionTimeout time.Duration
	logger        *slog.Logger
}

// ExecutorOption 定义可选配置。
type ExecutorOption func(*Executor)

// WithExecutorLogger 指定日志输出。
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ExecutorOption {
	return func(e *Executor) {
		if workers > 0 {
			e.workerCount = workers
		}
	}
}

// WithActionTimeout 设置单个动作的执行时限。
func WithActionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.actionTimeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ExecutorOption {
	return func(e *Executor) {
		e.alerter = dispatcher
	}
}

// NewExecutor 构造 Executor。
func NewExecutor(store Store, consumer Consumer, registry *action.Registry, trail audit.Trail, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:         store,
		consumer:      consumer,
		registry:      registry,
		trail:         trail,
		workerCount:   1,
		actionTimeout: DefaultActionTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start 启动执行循环。
func (e *Executor) Start(ctx context.Context) error {
	if e.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return e.consumer.Consume(ctx, e.workerCount, e.handle)
}

func (e *Executor) handle(ctx context.Context, taskID string) error {
	if e.store == nil || e.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) {
			e.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", "not found"))
			return nil
		}
		logger.L().Error("读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	// 重复投递的消息在这里被丢弃，任务已经停在别的状态。
	if task.Status != StatusApprovedExecuting {
		e.logDebug("跳过任务",
			slog.String("task_id", taskID),
			slog.String("reason", "status "+string(task.Status)))
		return nil
	}

	results, execErr := e.runActions(ctx, task)
	if execErr != nil {
		return e.markFailed(ctx, task, results, execErr)
	}
	return e.markCompleted(ctx, task, results)
}

// runActions 按声明顺序执行动作，第一个失败即停止，后续动作不再尝试。
func (e *Executor) runActions(ctx context.Context, task *Task) ([]action.Result, error) {
	results := make([]action.Result, 0, len(task.ActionRefs))
	for _, ref := range task.ActionRefs {
		def, ok := e.registry.Lookup(ref)
		if !ok {
			return results, xerrors.New(action.CodeUnknownAction, "动作未注册: "+ref)
		}
		if def.Validate != nil {
			if err := def.Validate(task.Payload); err != nil {
				if xerrors.CodeOf(err) == xerrors.CodeUnknown {
					err = xerrors.Wrap(action.CodeValidation, err, "动作载荷校验失败: "+ref)
				}
				return results, err
			}
		}

		actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		result, err := def.Handler.Execute(actionCtx, task.Payload)
		cancel()
		if err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				err = xerrors.Wrap(xerrors.CodeTimeout, err,
					fmt.Sprintf("动作 %s 执行超过 %s", ref, e.actionTimeout))
			}
			return results, err
		}
		if result != nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

func (e *Executor) markCompleted(ctx context.Context, task *Task, results []action.Result) error {
	record := buildExecutionResult(results)
	updated, err := e.store.Transition(ctx, task.ID, StatusApprovedExecuting, StatusCompleted, func(t *Task) {
		t.CompletedAt = time.Now().Unix()
		t.Result = record
	})
	if err != nil {
		if stdErrors.Is(err, ErrStaleState) {
			return nil
		}
		logger.L().Error("标记任务完成失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	e.appendAudit(ctx, audit.Entry{
		Type:       audit.TypeExecution,
		TaskID:     updated.ID,
		FromStatus: string(StatusApprovedExecuting),
		ToStatus:   string(StatusCompleted),
		Detail:     record.Summary,
	})
	metrics.ObserveTaskTransition(string(StatusApprovedExecuting), string(StatusCompleted))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", updated.ID),
		slog.String("summary", record.Summary),
		slog.Bool("simulated", record.Simulated),
	)
	return nil
}

func (e *Executor) markFailed(ctx context.Context, task *Task, results []action.Result, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskExecution
	}
	updated, err := e.store.Transition(ctx, task.ID, StatusApprovedExecuting, StatusExecutionFailed, func(t *Task) {
		t.RetryCount++
		t.Result = &ExecutionResult{
			ErrorCode: string(code),
			Error:     execErr.Error(),
			Actions:   results,
		}
	})
	if err != nil {
		if stdErrors.Is(err, ErrStaleState) {
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	e.appendAudit(ctx, audit.Entry{
		Type:       audit.TypeExecution,
		TaskID:     updated.ID,
		FromStatus: string(StatusApprovedExecuting),
		ToStatus:   string(StatusExecutionFailed),
		Detail:     execErr.Error(),
	})
	metrics.ObserveTaskTransition(string(StatusApprovedExecuting), string(StatusExecutionFailed))
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", updated.ID),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Bool("retryable", xerrors.RetryableError(execErr)),
		slog.Int("retry_count", updated.RetryCount),
	)
	if xerrors.ShouldAlert(execErr) {
		e.emitAlert(ctx, updated, code, execErr)
	}
	return nil
}

func buildExecutionResult(results []action.Result) *ExecutionResult {
	record := &ExecutionResult{Actions: results}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		part := r.Action
		if r.Reference != "" {
			part += ":" + r.Reference
		}
		parts = append(parts, part)
		if r.Simulated {
			record.Simulated = true
		}
	}
	record.Summary = strings.Join(parts, ", ")
	return record
}

func (e *Executor) appendAudit(ctx context.Context, entry audit.Entry) {
	if e.trail == nil {
		return
	}
	e.trail.Append(ctx, entry)
}

func (e *Executor) logDebug(msg string, attrs ...slog.Attr) {
	if e.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		e.logger.Debug(msg, args...)
	}
}

func (e *Executor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if e == nil || e.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{}
	if unified, ok := xerrors.From(cause); ok {
		for k, v := range unified.Metadata() {
			metadata[k] = v
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     task.ID,
		RetryCount: task.RetryCount,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
		)
	}
}
