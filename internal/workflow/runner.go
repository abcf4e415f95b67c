package workflow

import (
	"context"
	"log/slog"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/pkg/logger"
)

// Runner 消费续跑队列，将恢复后的执行交还编排器继续推进。
type Runner struct {
	orchestrator *Orchestrator
	consumer     Consumer
	workerCount  int
	logger       *slog.Logger
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定调试日志输出。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithRunnerWorkerCount 设置消费协程数量。
func WithRunnerWorkerCount(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// NewRunner 构造 Runner。
func NewRunner(orchestrator *Orchestrator, consumer Consumer, opts ...RunnerOption) *Runner {
	r := &Runner{
		orchestrator: orchestrator,
		consumer:     consumer,
		workerCount:  1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workerCount <= 0 {
		r.workerCount = 1
	}
	return r
}

// Start 启动续跑消费循环，阻塞直到 ctx 取消。
func (r *Runner) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置续跑消费者")
	}
	if r.orchestrator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置编排器")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

// handle 处理单条续跑消息。执行结果由编排器落库，
// 返回 error 仅代表基础设施故障，交由队列实现决定是否重投。
func (r *Runner) handle(ctx context.Context, executionID string) error {
	if r.logger != nil {
		r.logger.Debug("收到续跑消息", slog.String("execution_id", executionID))
	}
	if err := r.orchestrator.ContinueExecution(ctx, executionID); err != nil {
		logger.L().Error("续跑执行失败",
			slog.Any("error", err),
			slog.String("execution_id", executionID),
		)
		return err
	}
	return nil
}

// Close 关闭底层消费者。
func (r *Runner) Close() error {
	if r == nil || r.consumer == nil {
		return nil
	}
	return r.consumer.Close()
}
