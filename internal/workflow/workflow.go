package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// Definition 描述了一条可执行的工作流，步骤之间通过 next_steps 连接。
type Definition struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	EntryStep   string  `json:"entry_step"`
	Steps       []*Step `json:"steps"`

	stepIndex map[string]*Step
}

// Step 描述工作流中的单个步骤。
type Step struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
	// ConfidenceThreshold 为空时默认 1.0，即任何非满分结果都会触发人工审批。
	ConfidenceThreshold *float64     `json:"confidence_threshold,omitempty"`
	Retry               *RetryPolicy `json:"retry,omitempty"`
	NextSteps           []Transition `json:"next_steps,omitempty"`
}

// Transition 描述步骤完成后的一条出边，按声明顺序参与匹配。
type Transition struct {
	Step      string     `json:"step"`
	Condition *Condition `json:"condition,omitempty"`
}

// Threshold 返回步骤的置信度阈值。
func (s *Step) Threshold() float64 {
	if s == nil || s.ConfidenceThreshold == nil {
		return 1.0
	}
	return *s.ConfidenceThreshold
}

// Step 返回指定 ID 的步骤。
func (d *Definition) Step(id string) (*Step, bool) {
	if d == nil {
		return nil, false
	}
	if d.stepIndex != nil {
		step, ok := d.stepIndex[id]
		return step, ok
	}
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return nil, false
}

// Validate 校验工作流定义的完整性并建立步骤索引。
func (d *Definition) Validate() error {
	if d == nil {
		return xerrors.New(CodeDefinitionInvalid, "工作流定义不能为空")
	}
	if strings.TrimSpace(d.ID) == "" {
		return xerrors.New(CodeDefinitionInvalid, "工作流 ID 不能为空")
	}
	if len(d.Steps) == 0 {
		return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("工作流 %s 没有任何步骤", d.ID))
	}
	index := make(map[string]*Step, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil || strings.TrimSpace(step.ID) == "" {
			return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("工作流 %s 存在缺少 ID 的步骤", d.ID))
		}
		if strings.TrimSpace(step.Type) == "" {
			return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("步骤 %s 缺少执行器类型", step.ID))
		}
		if _, ok := index[step.ID]; ok {
			return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("步骤 %s 重复定义", step.ID))
		}
		index[step.ID] = step
	}
	if strings.TrimSpace(d.EntryStep) == "" {
		return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("工作流 %s 缺少入口步骤", d.ID))
	}
	if _, ok := index[d.EntryStep]; !ok {
		return xerrors.New(CodeDefinitionInvalid, fmt.Sprintf("入口步骤 %s 不存在", d.EntryStep))
	}
	for _, step := range d.Steps {
		for _, transition := range step.NextSteps {
			if _, ok := index[transition.Step]; !ok {
				return xerrors.New(CodeDefinitionInvalid,
					fmt.Sprintf("步骤 %s 的出边指向不存在的步骤 %s", step.ID, transition.Step))
			}
		}
	}
	d.stepIndex = index
	return nil
}

// ParseDefinition 从 JSON 内容解析工作流定义。
func ParseDefinition(content []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(content, &def); err != nil {
		return nil, xerrors.Wrap(CodeDefinitionInvalid, err, "解析工作流定义失败")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile 读取并解析单个工作流定义文件。
func LoadDefinitionFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeDefinitionInvalid, err, fmt.Sprintf("读取工作流定义 %s 失败", path))
	}
	return ParseDefinition(content)
}

var (
	// ErrWorkflowNotFound 表示指定的工作流定义不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrExecutionNotFound 表示指定的执行不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrSnapshotNotFound 表示执行没有可用的快照。
	ErrSnapshotNotFound = xerrors.New(CodeSnapshotNotFound, "snapshot not found")
	// ErrExecutionConflict 表示执行记录发生写入冲突。
	ErrExecutionConflict = xerrors.New(CodeExecutionConflict, "execution conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidExecutionState 表示执行所处状态不允许当前操作。
	ErrInvalidExecutionState = xerrors.New(CodeInvalidExecutionState, "invalid execution state", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrDefinitionInvalid 表示工作流定义不合法。
	ErrDefinitionInvalid = xerrors.New(CodeDefinitionInvalid, "workflow definition invalid")
	// ErrConditionInvalid 表示条件表达式不合法。
	ErrConditionInvalid = xerrors.New(CodeConditionInvalid, "condition invalid")
)

const (
	CodeWorkflowNotFound      xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeExecutionNotFound     xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeSnapshotNotFound      xerrors.Code = "SNAPSHOT_NOT_FOUND"
	CodeExecutionConflict     xerrors.Code = "EXECUTION_CONFLICT"
	CodeInvalidExecutionState xerrors.Code = "INVALID_EXECUTION_STATE"
	CodeStepExecutionFailed   xerrors.Code = "STEP_EXECUTION_FAILED"
	CodeDefinitionInvalid     xerrors.Code = "DEFINITION_INVALID"
	CodeConditionInvalid      xerrors.Code = "CONDITION_INVALID"
	CodeContinuationPublish   xerrors.Code = "CONTINUATION_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:   "execution not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSnapshotNotFound, xerrors.Attributes{
		Message:   "snapshot not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:   "execution conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidExecutionState, xerrors.Attributes{
		Message:   "invalid execution state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepExecutionFailed, xerrors.Attributes{
		Message:   "step execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeDefinitionInvalid, xerrors.Attributes{
		Message:   "workflow definition invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeConditionInvalid, xerrors.Attributes{
		Message:   "condition invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeContinuationPublish, xerrors.Attributes{
		Message:   "failed to publish continuation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
