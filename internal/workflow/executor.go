package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "AgentFlow/internal/errors"
)

// StepExecutor 执行单个工作流步骤。params 为完成占位符替换后的参数，
// 返回的结果至少包含 status 与 confidence 两个键，并整体写入步骤结果。
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step *Step, params map[string]any, wctx *Context) (map[string]any, error)
}

// ExecutorFunc 允许用函数直接充当 StepExecutor。
type ExecutorFunc func(ctx context.Context, step *Step, params map[string]any, wctx *Context) (map[string]any, error)

// ExecuteStep 实现 StepExecutor 接口。
func (f ExecutorFunc) ExecuteStep(ctx context.Context, step *Step, params map[string]any, wctx *Context) (map[string]any, error) {
	return f(ctx, step, params, wctx)
}

// ExecutorRegistry 按步骤类型维护一组执行器。注册表在启动阶段填充，
// 运行期间只读，不支持反射派发。
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewExecutorRegistry 创建空的执行器注册表。
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]StepExecutor)}
}

// Register 注册步骤类型对应的执行器，同名重复注册视为配置错误。
func (r *ExecutorRegistry) Register(stepType string, executor StepExecutor) error {
	stepType = strings.TrimSpace(stepType)
	if stepType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "步骤类型不能为空")
	}
	if executor == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤类型 %s 缺少执行器", stepType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[stepType]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("步骤类型 %s 已注册执行器", stepType))
	}
	r.executors[stepType] = executor
	return nil
}

// Executor 返回步骤类型对应的执行器。
func (r *ExecutorRegistry) Executor(stepType string) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepType]
	return executor, ok
}

// Types 返回已注册的步骤类型列表。
func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for stepType := range r.executors {
		types = append(types, stepType)
	}
	sort.Strings(types)
	return types
}
