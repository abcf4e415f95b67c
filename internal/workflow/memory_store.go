package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// MemoryStore 以内存方式保存执行状态与快照，主要用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Context
	snapshots  map[string][]*Snapshot
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Context),
		snapshots:  make(map[string][]*Snapshot),
	}
}

// CreateExecution 实现 Store 接口。
func (m *MemoryStore) CreateExecution(_ context.Context, wctx *Context) error {
	if wctx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行上下文不能为空")
	}
	if wctx.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[wctx.ExecutionID]; ok {
		return ErrExecutionConflict
	}
	now := time.Now().Unix()
	if wctx.CreatedAt == 0 {
		wctx.CreatedAt = now
	}
	wctx.UpdatedAt = now
	if wctx.Version <= 0 {
		wctx.Version = 1
	}
	m.executions[wctx.ExecutionID] = wctx.Clone()
	return nil
}

// GetExecution 返回执行状态的拷贝。
func (m *MemoryStore) GetExecution(_ context.Context, executionID string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wctx, ok := m.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return wctx.Clone(), nil
}

// UpdateExecution 覆盖写入执行状态并递增版本号。
func (m *MemoryStore) UpdateExecution(_ context.Context, wctx *Context) error {
	if wctx == nil || wctx.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行上下文不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.executions[wctx.ExecutionID]
	if !ok {
		return ErrExecutionNotFound
	}
	wctx.Version = existing.Version + 1
	wctx.CreatedAt = existing.CreatedAt
	wctx.UpdatedAt = time.Now().Unix()
	m.executions[wctx.ExecutionID] = wctx.Clone()
	return nil
}

// ListExecutions 返回符合过滤条件的执行列表。
func (m *MemoryStore) ListExecutions(_ context.Context, opts ListOptions) ([]*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Context, 0, len(m.executions))
	for _, wctx := range m.executions {
		if !matchesListFilters(wctx, opts) {
			continue
		}
		results = append(results, wctx.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ExecutionID < results[j].ExecutionID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ExecutionID > results[j].ExecutionID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Context{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ExecutionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ExecutionStats{}
	for _, wctx := range m.executions {
		if !matchesListFilters(wctx, opts) {
			continue
		}
		stats.Total++
		switch wctx.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusWaitingApproval:
			stats.WaitingApproval++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if wctx.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = wctx.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (wctx.UpdatedAt != 0 && wctx.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = wctx.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// SaveSnapshot 追加一条快照，序号由存储按执行维度递增分配。
func (m *MemoryStore) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	if snapshot == nil || snapshot.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照不能为空")
	}
	if snapshot.Context == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少执行上下文")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := snapshot.Clone()
	stored.Sequence = len(m.snapshots[snapshot.ExecutionID]) + 1
	if stored.CreatedAt == 0 {
		stored.CreatedAt = time.Now().Unix()
	}
	m.snapshots[snapshot.ExecutionID] = append(m.snapshots[snapshot.ExecutionID], stored)
	snapshot.Sequence = stored.Sequence
	return nil
}

// LatestSnapshot 返回执行最近一条快照。
func (m *MemoryStore) LatestSnapshot(_ context.Context, executionID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.snapshots[executionID]
	if len(log) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return log[len(log)-1].Clone(), nil
}

// SnapshotAt 返回执行在指定步骤处的最近一条快照。
func (m *MemoryStore) SnapshotAt(_ context.Context, executionID, stepID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.snapshots[executionID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].StepID == stepID {
			return log[i].Clone(), nil
		}
	}
	return nil, ErrSnapshotNotFound
}

// ListSnapshots 按序号升序返回执行的全部快照。
func (m *MemoryStore) ListSnapshots(_ context.Context, executionID string) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.snapshots[executionID]
	result := make([]*Snapshot, 0, len(log))
	for _, snapshot := range log {
		result = append(result, snapshot.Clone())
	}
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(wctx *Context, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if wctx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.WorkflowID != "" && wctx.WorkflowID != opts.WorkflowID {
		return false
	}
	if opts.UpdatedGTE > 0 && wctx.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && wctx.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		if !strings.Contains(wctx.ExecutionID, opts.Query) &&
			!strings.Contains(wctx.WorkflowID, opts.Query) &&
			!strings.Contains(wctx.CurrentStep, opts.Query) &&
			!strings.Contains(wctx.LastError, opts.Query) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
