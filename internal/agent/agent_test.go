package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/governance"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/storage/mysql"
)

// scriptedLLM 按顺序返回预置的回复，并记录每轮收到的请求。
type scriptedLLM struct {
	replies  []llm.Response
	requests []llm.Request
	err      error
	wait     time.Duration
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	resp := s.replies[idx]
	return &resp, nil
}

func newTestGovernance(t *testing.T, tools map[string]governance.Tier) (*governance.Service, *governance.Record) {
	t.Helper()
	svc, err := governance.NewService(governance.NewMemoryRegistry(), governance.NewPolicy(governance.TierStudent, tools), 0.01)
	if err != nil {
		t.Fatalf("new governance service: %v", err)
	}
	record, err := svc.CreateAgent(context.Background(), "researcher", governance.Configuration{
		AllowedTools: []string{"search", "deploy"},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return svc, record
}

func TestExecuteFinalAnswer(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "目标已经明确", Reply: `{"final_answer":"巴黎"}`},
	}}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry())
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "法国的首都"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.FinalAnswer != "巴黎" {
		t.Fatalf("unexpected answer: %q", result.FinalAnswer)
	}
	if result.Forced {
		t.Fatal("answer should not be forced")
	}
	if result.Confidence != 0.01 {
		t.Fatalf("unexpected confidence: %v", result.Confidence)
	}
	if len(result.Steps) != 1 || result.Steps[0].Kind != StepKindFinalAnswer {
		t.Fatalf("unexpected trace: %+v", result.Steps)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "需要先搜索", Reply: `{"tool":"search","params":{"q":"capital"}}`},
		{Thought: "信息足够了", Reply: `{"final_answer":"巴黎"}`},
	}}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	tools := NewToolRegistry()
	if err := tools.Register(NewFuncTool("search", "检索资料", func(ctx context.Context, params map[string]any) (string, error) {
		if params["q"] != "capital" {
			t.Fatalf("unexpected params: %v", params)
		}
		return "Paris is the capital of France", nil
	})); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	ag := New(llmClient, svc, tools)
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "法国的首都"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %+v", result.Steps)
	}
	if result.Steps[0].Kind != StepKindAction || result.Steps[0].Tool != "search" {
		t.Fatalf("unexpected first step: %+v", result.Steps[0])
	}
	if result.Steps[0].Observation != "Paris is the capital of France" {
		t.Fatalf("unexpected observation: %q", result.Steps[0].Observation)
	}
	if result.Steps[1].Kind != StepKindFinalAnswer {
		t.Fatalf("unexpected second step: %+v", result.Steps[1])
	}

	// 第二轮调用应携带第一轮的推理轨迹。
	if len(llmClient.requests) != 2 {
		t.Fatalf("expected 2 llm calls, got %d", len(llmClient.requests))
	}
	trace := llmClient.requests[1].Trace
	if len(trace) != 1 || trace[0].Action != "search" || trace[0].Observation == "" {
		t.Fatalf("unexpected llm trace: %+v", trace)
	}
}

func TestExecuteToolDenied(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "尝试部署", Reply: `{"tool":"deploy","params":{}}`},
		{Thought: "权限不足，直接回答", Reply: `{"final_answer":"需要人工部署"}`},
	}}
	svc, record := newTestGovernance(t, map[string]governance.Tier{
		"deploy": governance.TierSupervised,
	})
	defer svc.Close()

	tools := NewToolRegistry()
	_ = tools.Register(NewFuncTool("deploy", "部署服务", func(ctx context.Context, params map[string]any) (string, error) {
		t.Fatal("tool must not run for an immature agent")
		return "", nil
	}))

	ag := New(llmClient, svc, tools)
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "部署新版本"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := "STUDENT lacks maturity for deploy, requires SUPERVISED"
	if result.Steps[0].Observation != want {
		t.Fatalf("unexpected observation: %q", result.Steps[0].Observation)
	}
	if result.FinalAnswer != "需要人工部署" {
		t.Fatalf("unexpected answer: %q", result.FinalAnswer)
	}
}

func TestExecuteUnknownToolBecomesObservation(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "调用不存在的工具", Reply: `{"tool":"ghost","params":{}}`},
		{Thought: "收手", Reply: `{"final_answer":"done"}`},
	}}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry())
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "test"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Steps[0].Observation != "工具 ghost 不存在" {
		t.Fatalf("unexpected observation: %q", result.Steps[0].Observation)
	}
}

func TestExecuteForcedAnswer(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "还在想", Reply: "还没有结论"},
	}}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry(), WithMaxSteps(2))
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "无解的问题"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !result.Forced {
		t.Fatal("expected forced answer")
	}
	if result.Confidence != 0 {
		t.Fatalf("forced answer must not raise confidence, got %v", result.Confidence)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 2 thought steps plus forced step, got %+v", result.Steps)
	}
	last := result.Steps[len(result.Steps)-1]
	if last.Kind != StepKindForcedAnswer || last.Observation != "还没有结论" {
		t.Fatalf("unexpected forced step: %+v", last)
	}

	// 强制收束不算成功，置信度保持不变。
	after, err := svc.GetAgent(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if after.ConfidenceScore != 0 {
		t.Fatalf("confidence must stay at 0, got %v", after.ConfidenceScore)
	}
}

func TestExecuteAgentMaxStepsOverride(t *testing.T) {
	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "思考中", Reply: "不确定"},
	}}
	svc, err := governance.NewService(governance.NewMemoryRegistry(), governance.NewPolicy(governance.TierStudent, nil), 0.01)
	if err != nil {
		t.Fatalf("new governance service: %v", err)
	}
	defer svc.Close()
	record, err := svc.CreateAgent(context.Background(), "limited", governance.Configuration{MaxSteps: 1})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	ag := New(llmClient, svc, NewToolRegistry(), WithMaxSteps(8))
	result, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "test"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("agent max_steps should cap the loop at 1, got %+v", result.Steps)
	}
}

func TestExecuteHistoryJournal(t *testing.T) {
	repo, err := mysql.NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new history repository: %v", err)
	}
	defer repo.Close()

	llmClient := &scriptedLLM{replies: []llm.Response{
		{Thought: "明确", Reply: `{"final_answer":"done"}`},
	}}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry(), WithHistoryRepository(repo))
	if _, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "记账"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	records, err := repo.ListLatest(context.Background(), record.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(records))
	}
	if records[0].Outcome != "completed" || records[0].StepCount != 1 {
		t.Fatalf("unexpected journal record: %+v", records[0])
	}

	// 下一次任务应把历史注入大模型请求。
	if _, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "复盘"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lastReq := llmClient.requests[len(llmClient.requests)-1]
	if len(lastReq.History) != 1 || lastReq.History[0].Goal != "记账" {
		t.Fatalf("unexpected llm history: %+v", lastReq.History)
	}
}

func TestExecuteLLMTimeout(t *testing.T) {
	llmClient := &scriptedLLM{wait: 50 * time.Millisecond}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry(), WithLLMTimeout(5*time.Millisecond))
	_, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "test"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
}

func TestExecuteLLMFailure(t *testing.T) {
	llmClient := &scriptedLLM{err: errors.New("boom")}
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()

	ag := New(llmClient, svc, NewToolRegistry())
	_, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID, Goal: "test"})
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.CodeOf(err) != CodeAgentLLMFailure {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
}

func TestExecuteValidation(t *testing.T) {
	svc, record := newTestGovernance(t, nil)
	defer svc.Close()
	ag := New(&scriptedLLM{}, svc, NewToolRegistry())

	if _, err := ag.Execute(context.Background(), TaskRequest{AgentID: record.ID}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty goal, got %v", err)
	}
	if _, err := ag.Execute(context.Background(), TaskRequest{Goal: "test"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty agent id, got %v", err)
	}
	if _, err := ag.Execute(context.Background(), TaskRequest{AgentID: "ghost", Goal: "test"}); !errors.Is(err, governance.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}
