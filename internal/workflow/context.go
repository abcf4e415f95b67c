package workflow

// Status 表示执行在生命周期中的状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusWaitingApproval, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ForkOrigin 记录分叉执行的来源，仅保存来源执行与步骤的标识。
type ForkOrigin struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
}

// Context 保存一次工作流执行的完整运行时状态。
// CurrentStep 恒等于 History 的最后一项。
type Context struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Variables   map[string]any            `json:"variables,omitempty"`
	Results     map[string]map[string]any `json:"results,omitempty"`
	History     []string                  `json:"history,omitempty"`
	CurrentStep string                    `json:"current_step,omitempty"`
	Status      Status                    `json:"status"`
	Version     int                       `json:"version"`
	PendingStep string                    `json:"pending_step,omitempty"`
	LastError   string                    `json:"last_error,omitempty"`
	ErrorCode   string                    `json:"error_code,omitempty"`
	ForkOf      *ForkOrigin               `json:"fork_of,omitempty"`
	CreatedAt   int64                     `json:"created_at"`
	UpdatedAt   int64                     `json:"updated_at"`
}

// Clone 返回执行状态的深拷贝。
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Variables = cloneVariables(c.Variables)
	if c.Results != nil {
		clone.Results = make(map[string]map[string]any, len(c.Results))
		for stepID, result := range c.Results {
			clone.Results[stepID] = cloneVariables(result)
		}
	}
	if c.History != nil {
		clone.History = append([]string(nil), c.History...)
	}
	if c.ForkOf != nil {
		origin := *c.ForkOf
		clone.ForkOf = &origin
	}
	return &clone
}

// Snapshot 是执行状态在某个步骤处的不可变快照。
// 快照日志按 (execution_id, sequence) 追加，存活执行的快照永不删除。
type Snapshot struct {
	ExecutionID string   `json:"execution_id"`
	StepID      string   `json:"step_id"`
	Sequence    int      `json:"sequence"`
	Context     *Context `json:"context"`
	CreatedAt   int64    `json:"created_at"`
}

// Clone 返回快照的深拷贝。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Context = s.Context.Clone()
	return &clone
}

func cloneVariables(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneVariables(typed)
	case []any:
		clone := make([]any, len(typed))
		for i, item := range typed {
			clone[i] = cloneValue(item)
		}
		return clone
	default:
		return value
	}
}
