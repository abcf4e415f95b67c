package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentFlow/internal/agent"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/governance"
	"AgentFlow/internal/workflow"
)

// CodeUnauthorized 表示请求未通过访问令牌校验。
const CodeUnauthorized xerrors.Code = "UNAUTHORIZED"

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "request is not authorized",
		Severity: xerrors.SeverityWarning,
	})
}

// Server 负责暴露 REST 接口，供外部管理工作流与智能体。
type Server struct {
	addr         string
	orchestrator *workflow.Orchestrator
	governance   *governance.Service
	agent        *agent.Agent
	token        string
}

// ServerOption 定义可选的服务配置。
type ServerOption func(*Server)

// WithAuthToken 启用访问令牌校验，空令牌表示不鉴权。
func WithAuthToken(token string) ServerOption {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orchestrator *workflow.Orchestrator, governanceSvc *governance.Service, ag *agent.Agent, opts ...ServerOption) *Server {
	server := &Server{
		addr:         addr,
		orchestrator: orchestrator,
		governance:   governanceSvc,
		agent:        ag,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	return server
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", s.instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/execute", s.instrument("workflows_execute", s.handleExecute))
	mux.HandleFunc("/api/v1/executions", s.instrument("executions", s.handleExecutions))
	mux.HandleFunc("/api/v1/executions/", s.instrument("execution_detail", s.handleExecutionDetail))
	mux.HandleFunc("/api/v1/executions/resume", s.instrument("executions_resume", s.handleResume))
	mux.HandleFunc("/api/v1/executions/fork", s.instrument("executions_fork", s.handleFork))
	mux.HandleFunc("/api/v1/executions/cancel", s.instrument("executions_cancel", s.handleCancel))
	mux.HandleFunc("/api/v1/approvals", s.instrument("approvals", s.handleApprovals))
	mux.HandleFunc("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/tasks", s.instrument("agent_tasks", s.handleAgentTask))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealth))

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.withAuth(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterWorkflow(w, r)
	case http.MethodGet:
		s.handleListWorkflows(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

// handleRegisterWorkflow 注册一个工作流定义，请求体为定义 JSON。
func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体读取失败")
		return
	}
	def, err := workflow.ParseDefinition(content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.orchestrator.RegisterDefinition(def); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.orchestrator.Workflows())
}

// handleExecute 启动一次工作流执行，同步推进到暂停点或终态。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	var req struct {
		WorkflowID string         `json:"workflow_id"`
		Variables  map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	result, err := s.orchestrator.Execute(r.Context(), req.WorkflowID, req.Variables)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	executions, err := s.orchestrator.List(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

// handleExecutionDetail 处理 /api/v1/executions/ 子路径：
// stats 返回统计信息，{id} 返回执行详情，{id}/snapshots 返回快照列表。
func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/executions/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少执行 ID")
		return
	}

	if rest == "stats" {
		opts, err := parseListOptions(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		stats, err := s.orchestrator.Stats(r.Context(), opts...)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		execution, err := s.orchestrator.Get(r.Context(), parts[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execution)
	case len(parts) == 2 && parts[1] == "snapshots":
		snapshots, err := s.orchestrator.Snapshots(r.Context(), parts[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshots)
	default:
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, fmt.Sprintf("未知路径 %s", r.URL.Path))
	}
}

// handleResume 审批通过后恢复一次等待中的执行。
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	var req struct {
		ExecutionID  string `json:"execution_id"`
		ApprovedStep string `json:"approved_step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	execution, err := s.orchestrator.Resume(r.Context(), req.ExecutionID, req.ApprovedStep)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// handleFork 从历史快照分叉出一条新的执行路径。
func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	var req struct {
		ExecutionID string         `json:"execution_id"`
		FromStep    string         `json:"from_step"`
		Variables   map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	forked, err := s.orchestrator.Fork(r.Context(), req.ExecutionID, req.FromStep, req.Variables)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, forked)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	var req struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	if err := s.orchestrator.Cancel(r.Context(), req.ExecutionID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": req.ExecutionID,
		"status":       string(workflow.StatusCancelled),
	})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "编排器未初始化")
		return
	}

	approvals, err := s.orchestrator.PendingApprovals(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.governance == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "治理服务未初始化")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Name          string                   `json:"name"`
			Configuration governance.Configuration `json:"configuration"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
			return
		}
		record, err := s.governance.CreateAgent(r.Context(), req.Name, req.Configuration)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	case http.MethodGet:
		records, err := s.governance.ListAgents(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

// handleAgentTask 同步运行一次智能体任务并返回完整推理轨迹。
func (s *Server) handleAgentTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 POST")
		return
	}
	if s.agent == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "智能体未初始化")
		return
	}

	var req agent.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	result, err := s.agent.Execute(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 把查询参数转换为执行列表的过滤条件。
func parseListOptions(r *http.Request) ([]workflow.ListOption, error) {
	query := r.URL.Query()
	var opts []workflow.ListOption

	if raw := query.Get("status"); raw != "" {
		var statuses []workflow.Status
		for _, item := range strings.Split(raw, ",") {
			status := workflow.Status(strings.TrimSpace(item))
			if !workflow.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("不支持的执行状态 %s", item))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, workflow.WithStatuses(statuses...))
	}
	if raw := query.Get("workflow"); raw != "" {
		opts = append(opts, workflow.WithWorkflow(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, workflow.WithQuery(raw))
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, workflow.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 不能为负数")
		}
		opts = append(opts, workflow.WithOffset(offset))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须为 Unix 秒级时间戳")
		}
		opts = append(opts, workflow.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "until 必须为 Unix 秒级时间戳")
		}
		opts = append(opts, workflow.WithUpdatedUntil(time.Unix(ts, 0)))
	}
	if raw := query.Get("sort"); raw != "" {
		switch raw {
		case "asc":
			opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedDesc))
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("不支持的排序方式 %s", raw))
		}
	}
	return opts, nil
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeDomainError 按错误码映射 HTTP 状态并输出结构化错误体。
func writeDomainError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, httpStatusOf(code), code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorPayload{Code: string(code), Message: message})
}

func httpStatusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, workflow.CodeDefinitionInvalid, workflow.CodeConditionInvalid, governance.CodePolicyInvalid:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, workflow.CodeWorkflowNotFound, workflow.CodeExecutionNotFound,
		workflow.CodeSnapshotNotFound, governance.CodeAgentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, workflow.CodeExecutionConflict, workflow.CodeInvalidExecutionState, governance.CodeAgentExists:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
