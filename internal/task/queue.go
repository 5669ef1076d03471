package task

import (
	"context"
)

// Handler 处理一条队列消息。消息体只有任务 ID，对话内容从 Store 读取。
type Handler func(ctx context.Context, taskID string) error

// Producer 由 Service 在提交与补投时使用。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 在 ctx 结束前持续投递消息，workerCount 为并发处理的 Handler 数量。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 是 task_queue.driver 选择的后端：memory、redis 或 rabbitmq。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
)
