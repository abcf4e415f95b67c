package llm

import "context"

// Request 描述发送给大模型的一轮推理上下文。
type Request struct {
	Goal         string
	SystemPrompt string
	Tools        []ToolCard
	Trace        []TraceEntry
	History      []HistoryEntry
	Knowledge    []KnowledgeCard
}

// Response 是大模型单轮推理的原始输出，Reply 的结构化解析由调用方负责。
type Response struct {
	Thought string
	Reply   string
}

// ToolCard 描述一个可供大模型调用的工具。
type ToolCard struct {
	Name        string
	Description string
}

// TraceEntry 描述当前任务内已经发生的一轮推理。
type TraceEntry struct {
	Thought     string
	Action      string
	Observation string
}

// HistoryEntry 描述一段历史任务，为大模型提供跨任务记忆。
type HistoryEntry struct {
	Goal      string
	Reply     string
	Outcome   string
	CreatedAt int64
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
