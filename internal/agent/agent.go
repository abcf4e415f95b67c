package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/governance"
	"AgentFlow/internal/knowledge"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/storage/mysql"
	"AgentFlow/pkg/logger"
)

// 错误码定义。
const (
	// CodeAgentLLMFailure 表示大模型推理调用失败。
	CodeAgentLLMFailure xerrors.Code = "AGENT_LLM_FAILURE"
	// CodeAgentLoopTimeout 表示推理循环在给出最终答案前耗尽步数。
	CodeAgentLoopTimeout xerrors.Code = "AGENT_LOOP_TIMEOUT"
)

func init() {
	xerrors.Register(CodeAgentLLMFailure, xerrors.Attributes{
		Message:   "LLM reasoning call failed",
		Severity:  xerrors.SeverityError,
		Retryable: true,
	})
	xerrors.Register(CodeAgentLoopTimeout, xerrors.Attributes{
		Message:  "agent loop exhausted before final answer",
		Severity: xerrors.SeverityWarning,
	})
}

// StepKind 标识推理轨迹中一步的类型。
type StepKind string

const (
	// StepKindThought 表示没有动作与答案的纯思考轮。
	StepKindThought StepKind = "thought"
	// StepKindAction 表示一次工具调用及其观察结果。
	StepKindAction StepKind = "action"
	// StepKindFinalAnswer 表示大模型主动给出的最终答案。
	StepKindFinalAnswer StepKind = "final_answer"
	// StepKindForcedAnswer 表示步数耗尽后以最后回复强制收束。
	StepKindForcedAnswer StepKind = "timeout_forced_answer"
)

// TraceStep 记录推理循环中的一步。每轮循环恰好产生一条记录。
type TraceStep struct {
	Index       int            `json:"index"`
	Kind        StepKind       `json:"kind"`
	Thought     string         `json:"thought,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Observation string         `json:"observation,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// TaskRequest 描述交给智能体的一次任务。
type TaskRequest struct {
	AgentID string `json:"agent_id"`
	Goal    string `json:"goal"`
}

// TaskResult 汇总一次推理循环的结果。
type TaskResult struct {
	AgentID     string      `json:"agent_id"`
	AgentName   string      `json:"agent_name"`
	Goal        string      `json:"goal"`
	FinalAnswer string      `json:"final_answer"`
	Forced      bool        `json:"forced"`
	Confidence  float64     `json:"confidence"`
	Steps       []TraceStep `json:"steps"`
	CreatedAt   int64       `json:"created_at"`
}

// Agent 驱动思考-行动-观察循环，是智能体任务的业务核心。
// 工具权限由治理服务裁决，任务成功会提升智能体的置信度。
type Agent struct {
	llmClient   llm.Client
	governance  *governance.Service
	tools       *ToolRegistry
	history     mysql.HistoryRepository
	knowledge   knowledge.Provider
	maxSteps    int
	memoryDepth int
	llmTimeout  time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// defaultMaxSteps 是推理循环步数上限的默认值。
const defaultMaxSteps = 8

// defaultMemoryDepth 是大模型调用时可参考的历史任务数量的默认值。
const defaultMemoryDepth = 5

// WithMaxSteps 设置推理循环的步数上限。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		a.maxSteps = steps
	}
}

// WithMemoryDepth 设置大模型调用时可参考的历史任务数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithHistoryRepository 配置任务历史仓库，用于跨任务记忆与审计。
func WithHistoryRepository(repo mysql.HistoryRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithLLMTimeout 设置单轮大模型调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, governanceSvc *governance.Service, tools *ToolRegistry, opts ...Option) *Agent {
	// 初始化 Agent 实例。
	ag := &Agent{
		llmClient:   llmClient,
		governance:  governanceSvc,
		tools:       tools,
		maxSteps:    defaultMaxSteps,
		memoryDepth: defaultMemoryDepth,
	}
	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	// 兜底默认值。
	if ag.maxSteps <= 0 {
		ag.maxSteps = defaultMaxSteps
	}
	if ag.memoryDepth < 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	if ag.tools == nil {
		ag.tools = NewToolRegistry()
	}
	return ag
}

// Execute 围绕任务目标运行推理循环：每轮调用一次大模型，解析出
// 工具动作或最终答案；步数耗尽时以最后回复强制收束，不算错误。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	// 验证必要的组件是否已配置。
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.governance == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置治理服务")
	}

	// 验证任务请求的合法性。
	if strings.TrimSpace(req.Goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务目标不能为空")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}

	// 加载智能体治理档案。
	record, err := a.governance.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	// 步数上限：智能体档案中的配置优先于全局默认。
	maxSteps := a.maxSteps
	if record.Configuration.MaxSteps > 0 {
		maxSteps = record.Configuration.MaxSteps
	}

	// 准备提示词素材：可用工具、历史记录与知识库内容。
	toolCards := a.availableTools(record)
	historyEntries := a.loadHistory(ctx, record.ID)
	knowledgeEntries := a.collectKnowledge(req.Goal)

	trace := make([]TraceStep, 0, maxSteps+1)
	llmTrace := make([]llm.TraceEntry, 0, maxSteps)
	lastReply := ""

	for stepIdx := 0; stepIdx < maxSteps; stepIdx++ {
		// 调用大模型生成响应。
		resp, err := a.generate(ctx, llm.Request{
			Goal:         req.Goal,
			SystemPrompt: record.Configuration.SystemPrompt,
			Tools:        toolCards,
			Trace:        llmTrace,
			History:      historyEntries,
			Knowledge:    knowledgeEntries,
		})
		if err != nil {
			return nil, err
		}
		lastReply = resp.Reply

		// 解析回复：最终答案、工具动作或纯思考。
		parsed := ParseReply(resp.Thought, resp.Reply)
		now := time.Now().Unix()

		if parsed.HasFinal {
			trace = append(trace, TraceStep{
				Index:     len(trace) + 1,
				Kind:      StepKindFinalAnswer,
				Thought:   parsed.Thought,
				CreatedAt: now,
			})
			return a.finishTask(ctx, record, req, parsed.FinalAnswer, false, trace)
		}

		if parsed.HasAction {
			observation := a.invokeTool(ctx, record, parsed.Tool, parsed.Params)
			trace = append(trace, TraceStep{
				Index:       len(trace) + 1,
				Kind:        StepKindAction,
				Thought:     parsed.Thought,
				Tool:        parsed.Tool,
				Params:      parsed.Params,
				Observation: observation,
				CreatedAt:   now,
			})
			llmTrace = append(llmTrace, llm.TraceEntry{
				Thought:     parsed.Thought,
				Action:      parsed.Tool,
				Observation: observation,
			})
			continue
		}

		// 无动作也无答案：消耗一轮纯思考。
		trace = append(trace, TraceStep{
			Index:     len(trace) + 1,
			Kind:      StepKindThought,
			Thought:   parsed.Thought,
			CreatedAt: now,
		})
		llmTrace = append(llmTrace, llm.TraceEntry{Thought: parsed.Thought})
	}

	// 步数耗尽：以最后一轮回复强制收束，作为需要复核的非错误结果。
	trace = append(trace, TraceStep{
		Index:       len(trace) + 1,
		Kind:        StepKindForcedAnswer,
		Observation: lastReply,
		CreatedAt:   time.Now().Unix(),
	})
	logger.Audit().Warn("推理循环步数耗尽",
		slog.String("agent_id", record.ID),
		slog.String("agent_name", record.Name),
		slog.String("goal", req.Goal),
		slog.Int("max_steps", maxSteps),
		slog.String("error_code", string(CodeAgentLoopTimeout)),
	)
	return a.finishTask(ctx, record, req, lastReply, true, trace)
}

// finishTask 汇总任务结果：成功时提升置信度，并写入任务历史。
func (a *Agent) finishTask(ctx context.Context, record *governance.Record, req TaskRequest, answer string, forced bool, trace []TraceStep) (*TaskResult, error) {
	now := time.Now().Unix()
	confidence := 0.0
	outcome := string(StepKindForcedAnswer)

	if !forced {
		// 只有主动给出最终答案才算成功，强制收束不提升置信度。
		updated, err := a.governance.RecordSuccess(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		record = updated
		confidence = updated.ConfidenceScore
		outcome = "completed"
	}

	result := &TaskResult{
		AgentID:     record.ID,
		AgentName:   record.Name,
		Goal:        req.Goal,
		FinalAnswer: answer,
		Forced:      forced,
		Confidence:  confidence,
		Steps:       trace,
		CreatedAt:   now,
	}

	// 保存任务历史（如已配置仓库）。
	if a.history != nil {
		journal := &mysql.AgentTaskRecord{
			AgentID:     record.ID,
			Goal:        req.Goal,
			FinalAnswer: answer,
			Outcome:     outcome,
			StepCount:   len(trace),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.history.Create(ctx, journal); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存任务历史失败")
		}
	}

	logger.Audit().Info("智能体任务结束",
		slog.String("agent_id", record.ID),
		slog.String("agent_name", record.Name),
		slog.String("goal", req.Goal),
		slog.String("outcome", outcome),
		slog.Int("steps", len(trace)),
		slog.Float64("confidence_score", record.ConfidenceScore),
	)
	return result, nil
}

// generate 调用大模型并统一超时与错误语义。
func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(CodeAgentLLMFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(CodeAgentLLMFailure, "大模型返回空响应")
	}
	return resp, nil
}

// invokeTool 执行一次工具调用。所有失败路径都转化为观察结果，
// 反馈给下一轮推理，循环不会因此中断。
func (a *Agent) invokeTool(ctx context.Context, record *governance.Record, toolName string, params map[string]any) string {
	tool, ok := a.tools.Tool(toolName)
	if !ok {
		return fmt.Sprintf("工具 %s 不存在", toolName)
	}
	if !record.AllowsTool(toolName) {
		return fmt.Sprintf("工具 %s 不在智能体的可用工具列表中", toolName)
	}

	// 治理裁决：成熟度不足时将拒绝说明作为观察结果。
	decision, err := a.governance.CheckPermission(ctx, record.ID, toolName)
	if err != nil {
		return fmt.Sprintf("治理检查失败: %v", err)
	}
	if !decision.Allowed {
		return decision.Explanation
	}

	observation, err := tool.Invoke(ctx, params)
	if err != nil {
		return fmt.Sprintf("工具 %s 执行失败: %v", toolName, err)
	}
	if strings.TrimSpace(observation) == "" {
		return fmt.Sprintf("工具 %s 执行完成，无输出", toolName)
	}
	return observation
}

// availableTools 返回该智能体可见的工具卡片列表。
func (a *Agent) availableTools(record *governance.Record) []llm.ToolCard {
	tools := a.tools.List()
	cards := make([]llm.ToolCard, 0, len(tools))
	for _, tool := range tools {
		if !record.AllowsTool(tool.Name()) {
			continue
		}
		cards = append(cards, llm.ToolCard{
			Name:        tool.Name(),
			Description: tool.Description(),
		})
	}
	return cards
}

// loadHistory 加载该智能体最近的任务历史以供大模型参考。
func (a *Agent) loadHistory(ctx context.Context, agentID string) []llm.HistoryEntry {
	if a.history == nil || a.memoryDepth <= 0 {
		return nil
	}

	// 查询最近的任务记录，失败时只记录日志，不阻断推理。
	records, err := a.history.ListLatest(ctx, agentID, a.memoryDepth)
	if err != nil {
		logger.L().Warn("加载任务历史失败",
			slog.Any("error", err),
			slog.String("agent_id", agentID),
		)
		return nil
	}

	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Goal:      record.Goal,
			Reply:     record.FinalAnswer,
			Outcome:   record.Outcome,
			CreatedAt: record.CreatedAt,
		})
	}
	return history
}

// collectKnowledge 从知识库中检索相关内容以供大模型参考。
func (a *Agent) collectKnowledge(goal string) []llm.KnowledgeCard {
	if a.knowledge == nil {
		return nil
	}

	snippets := a.knowledge.Query(goal, "")
	if len(snippets) == 0 {
		return nil
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{
			Title:   snippet.Title,
			Content: snippet.Content,
		})
	}
	return cards
}
