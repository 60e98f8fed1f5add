package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"TaskWarden/internal/audit"
	xerrors "TaskWarden/internal/errors"
	"TaskWarden/internal/observability/metrics"
	"TaskWarden/pkg/logger"
)

// DefaultStaleAfter 是等待审批任务触发提醒的默认时长。
const DefaultStaleAfter = 24 * time.Hour

// ScanReport 汇总一轮扫描的结果。
type ScanReport struct {
	Scanned   int `json:"scanned"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Reminders int `json:"reminders"`
	// Skipped 统计被并发扫描抢先处理的任务。
	Skipped int `json:"skipped"`
}

// Scanner 周期性检查等待审批的任务，消费已写入的人工决策。
// 多个实例可以并发扫描同一存储：受保护迁移保证每个决策只被消费一次。
type Scanner struct {
	service    *Service
	store      Store
	trail      audit.Trail
	staleAfter time.Duration
	batchSize  int

	mu       sync.Mutex
	reminded map[string]struct{}
}

// ScannerOption 定义 Scanner 的可选配置。
type ScannerOption func(*Scanner)

// WithStaleAfter 调整提醒阈值。
func WithStaleAfter(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithScanBatchSize 调整单轮扫描的任务上限。
func WithScanBatchSize(size int) ScannerOption {
	return func(s *Scanner) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// NewScanner 构造 Scanner。
func NewScanner(service *Service, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		service:    service,
		store:      service.store,
		trail:      service.trail,
		staleAfter: DefaultStaleAfter,
		batchSize:  100,
		reminded:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 以固定间隔执行扫描，直到上下文取消。
// 单轮扫描出错只记日志，循环不会退出。
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				logger.L().Error("审批扫描失败", slog.Any("error", err))
			}
		}
	}
}

// ScanOnce 执行一轮扫描并返回汇总。
// 拒绝优先于批准：同时写入两种决策时任务落为 rejected。
func (s *Scanner) ScanOnce(ctx context.Context) (ScanReport, error) {
	if s.store == nil {
		return ScanReport{}, xerrors.New(xerrors.CodeInitializationFailure, "扫描器未初始化")
	}

	report := ScanReport{}
	pending, err := s.store.List(ctx, ListOptions{
		Limit:    s.batchSize,
		Statuses: []Status{StatusPendingApproval},
		Order:    SortByUpdatedAsc,
	})
	if err != nil {
		return report, err
	}

	now := time.Now()
	for _, task := range pending {
		report.Scanned++
		switch {
		case task.Rejected:
			if s.resolveRejection(ctx, task) {
				report.Rejected++
			} else {
				report.Skipped++
			}
		case task.Approved:
			if s.resolveApproval(ctx, task) {
				report.Approved++
			} else {
				report.Skipped++
			}
		default:
			if s.remindIfStale(ctx, task, now) {
				report.Reminders++
			}
		}
	}
	return report, nil
}

func (s *Scanner) resolveRejection(ctx context.Context, task *Task) bool {
	updated, err := s.store.Transition(ctx, task.ID, StatusPendingApproval, StatusRejected, func(t *Task) {
		t.DecidedAt = time.Now().Unix()
	})
	if err != nil {
		if stdErrors.Is(err, ErrStaleState) || stdErrors.Is(err, ErrTaskNotFound) {
			return false
		}
		logger.L().Error("拒绝任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return false
	}
	if s.trail != nil {
		s.trail.Append(ctx, audit.Entry{
			Type:       audit.TypeTransition,
			TaskID:     updated.ID,
			FromStatus: string(StatusPendingApproval),
			ToStatus:   string(StatusRejected),
			Detail:     updated.DecisionNote,
		})
	}
	metrics.ObserveTaskTransition(string(StatusPendingApproval), string(StatusRejected))
	logger.Audit().Info("任务被人工拒绝",
		slog.String("task_id", updated.ID),
		slog.String("note", updated.DecisionNote),
	)
	s.forgetReminder(updated.ID)
	return true
}

func (s *Scanner) resolveApproval(ctx context.Context, task *Task) bool {
	if _, err := s.service.dispatch(ctx, task, StatusPendingApproval); err != nil {
		if stdErrors.Is(err, ErrStaleState) || stdErrors.Is(err, ErrTaskNotFound) {
			return false
		}
		// 投递失败已由 dispatch 落为 execution_failed 并审计。
		logger.L().Error("批准后投递失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return false
	}
	s.forgetReminder(task.ID)
	return true
}

// remindIfStale 对等待过久的任务发出提醒，不改变任务状态。
// 同一实例对同一任务只提醒一次，任务离开审批队列后记录被清除。
func (s *Scanner) remindIfStale(ctx context.Context, task *Task, now time.Time) bool {
	waitingSince := task.UpdatedAt
	if waitingSince == 0 {
		waitingSince = task.CreatedAt
	}
	age := now.Sub(time.Unix(waitingSince, 0))
	if age < s.staleAfter {
		return false
	}

	s.mu.Lock()
	if _, done := s.reminded[task.ID]; done {
		s.mu.Unlock()
		return false
	}
	s.reminded[task.ID] = struct{}{}
	s.mu.Unlock()

	if s.trail != nil {
		s.trail.Append(ctx, audit.Entry{
			Type:   audit.TypeReminder,
			TaskID: task.ID,
			Detail: "等待审批超过 " + s.staleAfter.String(),
		})
	}
	logger.Audit().Warn("任务等待审批超时",
		slog.String("task_id", task.ID),
		slog.Duration("waiting", age),
	)
	return true
}

func (s *Scanner) forgetReminder(id string) {
	s.mu.Lock()
	delete(s.reminded, id)
	s.mu.Unlock()
}
