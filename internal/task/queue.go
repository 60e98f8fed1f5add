package task

import (
	"context"
)

// Handler 处理来自交接队列的任务 ID。
// 返回错误只用于记录，队列实现不得据此重新投递：
// 重试与否由任务状态机和操作员决定，而不是传输层。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责把已批准的任务交给执行侧。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从交接队列中取出任务 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
