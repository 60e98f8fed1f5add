package task

import "context"

// Mutation 在受保护迁移中修改任务字段。实现保证它只作用于持锁的最新副本。
type Mutation func(*Task)

// Store 定义任务存储。Transition 是唯一的原子修改原语：
// 任务当前状态必须等于 expected，否则返回 ErrStaleState 且不做任何修改。
// 扫描器与并发的人工编辑对同一任务的竞争全部依赖它裁决。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List 仅用于发现，不要求与并发写入线性化；
	// 返回的任务状态必须至少在调用开始后的某一时刻真实存在过。
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Transition(ctx context.Context, id string, expected, next Status, mutate Mutation) (*Task, error)
	// RecordDecision 是外部决策面的写入口，仅对 pending_approval 的任务生效。
	RecordDecision(ctx context.Context, id string, approved bool, note string) (*Task, error)
	Close() error
}
