package workflow

import "context"

// Store 抽象了执行状态与快照日志的持久化接口。
// 实现必须在读写两侧做防御性拷贝，调用方拿到的状态永远不与存储内部共享。
type Store interface {
	CreateExecution(ctx context.Context, wctx *Context) error
	GetExecution(ctx context.Context, executionID string) (*Context, error)
	UpdateExecution(ctx context.Context, wctx *Context) error
	ListExecutions(ctx context.Context, opts ListOptions) ([]*Context, error)
	Stats(ctx context.Context, opts ListOptions) (ExecutionStats, error)

	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	LatestSnapshot(ctx context.Context, executionID string) (*Snapshot, error)
	SnapshotAt(ctx context.Context, executionID, stepID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, executionID string) ([]*Snapshot, error)

	Close() error
}
