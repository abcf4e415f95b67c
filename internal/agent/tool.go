package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "AgentFlow/internal/errors"
)

// Tool 定义智能体可调用的业务工具。Invoke 的返回值会作为观察结果
// 反馈给大模型，调用失败同样以观察结果的形式进入推理轨迹。
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, params map[string]any) (string, error)
}

// FuncTool 用函数快速构造 Tool。
type FuncTool struct {
	name        string
	description string
	invoke      func(ctx context.Context, params map[string]any) (string, error)
}

// NewFuncTool 创建基于函数的工具。
func NewFuncTool(name, description string, invoke func(ctx context.Context, params map[string]any) (string, error)) *FuncTool {
	return &FuncTool{name: name, description: description, invoke: invoke}
}

// Name 返回工具名称。
func (t *FuncTool) Name() string { return t.name }

// Description 返回工具用途说明。
func (t *FuncTool) Description() string { return t.description }

// Invoke 执行工具逻辑。
func (t *FuncTool) Invoke(ctx context.Context, params map[string]any) (string, error) {
	if t.invoke == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("工具 %s 未绑定实现", t.name))
	}
	return t.invoke(ctx, params)
}

// ToolRegistry 按名称维护一组工具。注册表在启动阶段填充，运行期间只读。
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry 创建空的工具注册表。
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register 注册一个工具，名称冲突时返回错误。
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || strings.TrimSpace(tool.Name()) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具及其名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	r.tools[name] = tool
	return nil
}

// Tool 按名称查找工具。
func (r *ToolRegistry) Tool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List 按名称升序返回全部工具。
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}
