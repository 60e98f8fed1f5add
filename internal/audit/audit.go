package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntryType 区分审计条目的类别。
type EntryType string

const (
	// TypeTransition 记录任务状态迁移。
	TypeTransition EntryType = "transition"
	// TypeExecution 记录一次动作执行的结果。
	TypeExecution EntryType = "execution"
	// TypeDecision 记录人工审批决定。
	TypeDecision EntryType = "decision"
	// TypeReminder 记录等待超时提醒，不改变任务状态。
	TypeReminder EntryType = "reminder"
)

// Entry 是一条追加式审计记录。
type Entry struct {
	Type       EntryType `json:"type"`
	Timestamp  int64     `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Trail 接收审计条目。实现必须只追加，绝不修改历史记录。
type Trail interface {
	Append(ctx context.Context, entry Entry)
	// Recent 返回最近的条目，最新在前。早于窗口的条目只存在于完整日志中。
	Recent(limit int) []Entry
}

// DefaultRecentSize 是最近动作视图的默认容量。
const DefaultRecentSize = 10

// Recorder 将条目写入审计日志，并维护一个有界的最近动作视图。
type Recorder struct {
	logger *slog.Logger

	mu     sync.Mutex
	recent []Entry
	limit  int
}

// Option 定义 Recorder 的可选配置。
type Option func(*Recorder)

// WithRecentSize 调整最近动作视图的容量。
func WithRecentSize(size int) Option {
	return func(r *Recorder) {
		if size > 0 {
			r.limit = size
		}
	}
}

// NewRecorder 构造 Recorder。logger 为 nil 时仅保留内存视图，供测试注入使用。
func NewRecorder(logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{logger: logger, limit: DefaultRecentSize}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.recent = make([]Entry, 0, r.limit)
	return r
}

// NewMemoryTrail 返回一个不落盘的 Trail，测试中替代真实审计日志。
func NewMemoryTrail() *Recorder {
	return NewRecorder(nil)
}

// Append 实现 Trail。写日志失败不会向调用方传播，审计绝不阻断主流程。
func (r *Recorder) Append(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}

	if r.logger != nil {
		r.logger.LogAttrs(ctx, slog.LevelInfo, string(entry.Type),
			slog.Int64("timestamp", entry.Timestamp),
			slog.String("task_id", entry.TaskID),
			slog.String("from_status", entry.FromStatus),
			slog.String("to_status", entry.ToStatus),
			slog.String("detail", entry.Detail),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, entry)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
}

// Recent 实现 Trail，最新条目在前。
func (r *Recorder) Recent(limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}
	out := make([]Entry, 0, limit)
	for i := len(r.recent) - 1; i >= len(r.recent)-limit; i-- {
		out = append(out, r.recent[i])
	}
	return out
}

var _ Trail = (*Recorder)(nil)
