package agent

import (
	"context"
	"fmt"
	"strings"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/workflow"
)

// StepType 是智能体步骤在工作流定义中的类型名。
const StepType = "agent_task"

// WorkflowExecutor 把智能体任务接入工作流引擎：步骤参数中的 goal
// 交给智能体推理，推理结果写回步骤结果供后续步骤引用。
type WorkflowExecutor struct {
	agent          *Agent
	defaultAgentID string
}

// WorkflowExecutorOption 定义可选的执行器配置。
type WorkflowExecutorOption func(*WorkflowExecutor)

// WithDefaultAgentID 设置步骤参数缺省时使用的智能体 ID。
func WithDefaultAgentID(agentID string) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) {
		e.defaultAgentID = strings.TrimSpace(agentID)
	}
}

// NewWorkflowExecutor 创建智能体步骤执行器。
func NewWorkflowExecutor(ag *Agent, opts ...WorkflowExecutorOption) (*WorkflowExecutor, error) {
	if ag == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置智能体实例")
	}
	executor := &WorkflowExecutor{agent: ag}
	for _, opt := range opts {
		if opt != nil {
			opt(executor)
		}
	}
	return executor, nil
}

// ExecuteStep 实现 workflow.StepExecutor。强制收束的结果置信度为 0，
// 由编排器的阈值检查决定是否转入人工审批。
func (e *WorkflowExecutor) ExecuteStep(ctx context.Context, step *workflow.Step, params map[string]any, wctx *workflow.Context) (map[string]any, error) {
	goal := stringParam(params, "goal")
	if goal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 %s 缺少 goal 参数", step.ID))
	}

	agentID := stringParam(params, "agent_id")
	if agentID == "" {
		agentID = e.defaultAgentID
	}
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 %s 缺少 agent_id 参数", step.ID))
	}

	result, err := e.agent.Execute(ctx, TaskRequest{AgentID: agentID, Goal: goal})
	if err != nil {
		return nil, err
	}

	status := "completed"
	if result.Forced {
		status = string(StepKindForcedAnswer)
	}
	return map[string]any{
		"status":       status,
		"confidence":   result.Confidence,
		"final_answer": result.FinalAnswer,
		"agent_id":     result.AgentID,
		"agent_name":   result.AgentName,
		"step_count":   len(result.Steps),
	}, nil
}

// stringParam 读取字符串参数并去除首尾空白。
func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key]
	if !ok {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}

var _ workflow.StepExecutor = (*WorkflowExecutor)(nil)
