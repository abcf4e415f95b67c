package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/pkg/logger"
)

// Orchestrator 负责推进工作流执行：解析步骤参数、调用执行器、
// 评估出边条件，并在低置信度结果处暂停等待人工审批。
// 运行中的执行缓存在进程内，持久化以 Store 为准。
type Orchestrator struct {
	store        Store
	registry     *ExecutorRegistry
	producer     Producer
	defaultRetry RetryPolicy
	logger       *slog.Logger
	alerter      alerting.Dispatcher

	mu          sync.RWMutex
	definitions map[string]*Definition
	live        map[string]*Context
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithContinuationProducer 配置恢复执行时使用的续跑队列。
// 未配置时恢复动作在本进程内异步续跑。
func WithContinuationProducer(producer Producer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.producer = producer
	}
}

// WithDefaultRetryPolicy 配置未声明重试策略的步骤使用的缺省策略。
func WithDefaultRetryPolicy(policy RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.defaultRetry = policy.withDefaults()
	}
}

// WithOrchestratorLogger 指定调试日志输出。
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// NewOrchestrator 构造 Orchestrator。
func NewOrchestrator(store Store, registry *ExecutorRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		registry:     registry,
		defaultRetry: DefaultRetryPolicy(),
		definitions:  make(map[string]*Definition),
		live:         make(map[string]*Context),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// RegisterDefinition 校验并注册一个工作流定义，同名定义会被覆盖。
func (o *Orchestrator) RegisterDefinition(def *Definition) error {
	if def == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义不能为空")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.definitions[def.ID] = def
	o.mu.Unlock()
	return nil
}

// LoadDefinitions 从目录加载全部 JSON 工作流定义。
func (o *Orchestrator) LoadDefinitions(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取工作流定义目录失败")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := o.RegisterDefinition(def); err != nil {
			return err
		}
		logger.L().Info("加载工作流定义",
			slog.String("workflow_id", def.ID),
			slog.String("file", entry.Name()),
		)
	}
	return nil
}

// Workflow 返回指定 ID 的工作流定义。
func (o *Orchestrator) Workflow(id string) (*Definition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[id]
	return def, ok
}

// Workflows 按 ID 升序返回全部已注册的工作流定义。
func (o *Orchestrator) Workflows() []*Definition {
	o.mu.RLock()
	defs := make([]*Definition, 0, len(o.definitions))
	for _, def := range o.definitions {
		defs = append(defs, def)
	}
	o.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Execute 创建并同步推进一次工作流执行，直到完成、失败或暂停等待审批。
// 步骤失败属于已落库的业务结果，通过返回上下文的状态表达；
// 返回 error 仅代表存储等基础设施故障。
func (o *Orchestrator) Execute(ctx context.Context, workflowID string, variables map[string]any) (*Context, error) {
	if o.store == nil || o.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	def, ok := o.Workflow(strings.TrimSpace(workflowID))
	if !ok {
		return nil, xerrors.New(CodeWorkflowNotFound, fmt.Sprintf("工作流定义 %s 不存在", workflowID))
	}

	wctx := &Context{
		ExecutionID: uuid.NewString(),
		WorkflowID:  def.ID,
		Variables:   cloneVariables(variables),
		Results:     make(map[string]map[string]any),
		Status:      StatusPending,
	}
	if err := o.store.CreateExecution(ctx, wctx); err != nil {
		return nil, err
	}
	o.cacheLive(wctx)
	logger.Audit().Info("工作流执行开始",
		slog.String("execution_id", wctx.ExecutionID),
		slog.String("workflow_id", def.ID),
		slog.String("entry_step", def.EntryStep),
	)

	wctx.Status = StatusRunning
	if err := o.persist(ctx, wctx); err != nil {
		return nil, err
	}
	return o.runFrom(ctx, def, wctx, def.EntryStep)
}

// Resume 将等待审批的执行恢复为运行态并异步续跑，立即返回。
// approvedStep 非空时必须与待审批步骤一致。
func (o *Orchestrator) Resume(ctx context.Context, executionID, approvedStep string) (*Context, error) {
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	wctx, err := o.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if wctx.Status != StatusWaitingApproval {
		return nil, xerrors.New(CodeInvalidExecutionState,
			fmt.Sprintf("执行 %s 当前状态为 %s，仅等待审批的执行可以恢复", executionID, wctx.Status))
	}
	if approvedStep != "" && approvedStep != wctx.PendingStep {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("执行 %s 待审批步骤为 %s，收到 %s", executionID, wctx.PendingStep, approvedStep))
	}

	snapshot, err := o.store.LatestSnapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	restored := snapshot.Context.Clone()
	restored.ExecutionID = executionID
	restored.Status = StatusRunning
	restored.PendingStep = ""
	if err := o.persist(ctx, restored); err != nil {
		return nil, err
	}
	logger.Audit().Info("执行恢复",
		slog.String("execution_id", executionID),
		slog.String("workflow_id", restored.WorkflowID),
		slog.String("approved_step", snapshot.StepID),
	)

	if o.producer != nil {
		if err := o.producer.Publish(ctx, executionID); err != nil {
			// 入队失败时回退到等待审批，允许重新触发恢复。
			restored.Status = StatusWaitingApproval
			restored.PendingStep = snapshot.StepID
			if revertErr := o.persist(ctx, restored); revertErr != nil {
				logger.L().Error("恢复入队失败后回退状态出错",
					slog.Any("error", revertErr),
					slog.String("execution_id", executionID),
				)
			}
			wrapped := xerrors.Wrap(CodeContinuationPublish, err,
				fmt.Sprintf("执行 %s 恢复入队失败", executionID))
			o.emitAlert(ctx, restored, CodeContinuationPublish, wrapped, "resume")
			return nil, wrapped
		}
	} else {
		go func() {
			if err := o.ContinueExecution(context.Background(), executionID); err != nil {
				logger.L().Error("本地续跑失败",
					slog.Any("error", err),
					slog.String("execution_id", executionID),
				)
			}
		}()
	}
	return restored.Clone(), nil
}

// Fork 从指定步骤的快照克隆出一条新的执行分支。
// patch 中的变量覆盖快照中的同名变量，原执行不受任何影响。
// 新分支以等待审批状态落库，通过 Resume 启动续跑。
func (o *Orchestrator) Fork(ctx context.Context, executionID, fromStepID string, patch map[string]any) (*Context, error) {
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	var snapshot *Snapshot
	var err error
	if strings.TrimSpace(fromStepID) == "" {
		snapshot, err = o.store.LatestSnapshot(ctx, executionID)
	} else {
		snapshot, err = o.store.SnapshotAt(ctx, executionID, fromStepID)
	}
	if err != nil {
		return nil, err
	}

	forked := snapshot.Context.Clone()
	forked.ExecutionID = uuid.NewString()
	if len(patch) > 0 {
		if forked.Variables == nil {
			forked.Variables = make(map[string]any, len(patch))
		}
		for key, value := range patch {
			forked.Variables[key] = cloneValue(value)
		}
	}
	forked.ForkOf = &ForkOrigin{ExecutionID: executionID, StepID: snapshot.StepID}
	forked.Status = StatusWaitingApproval
	forked.PendingStep = snapshot.StepID
	forked.Version = 0
	forked.CreatedAt = 0
	forked.UpdatedAt = 0

	if err := o.store.CreateExecution(ctx, forked); err != nil {
		return nil, err
	}
	reseeded := &Snapshot{
		ExecutionID: forked.ExecutionID,
		StepID:      snapshot.StepID,
		Context:     forked.Clone(),
	}
	if err := o.store.SaveSnapshot(ctx, reseeded); err != nil {
		return nil, err
	}
	o.cacheLive(forked)
	logger.Audit().Info("执行分叉",
		slog.String("execution_id", forked.ExecutionID),
		slog.String("origin_execution_id", executionID),
		slog.String("fork_step", snapshot.StepID),
		slog.String("workflow_id", forked.WorkflowID),
	)
	return forked.Clone(), nil
}

// Cancel 取消一次尚未结束的执行。
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	wctx, err := o.loadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if wctx.Status.IsTerminal() {
		return xerrors.New(CodeInvalidExecutionState,
			fmt.Sprintf("执行 %s 已处于终态 %s", executionID, wctx.Status))
	}
	wctx.Status = StatusCancelled
	wctx.PendingStep = ""
	if err := o.persist(ctx, wctx); err != nil {
		return err
	}
	metrics.ObserveExecutionTransition(wctx.WorkflowID, string(wctx.Status))
	logger.Audit().Info("执行已取消",
		slog.String("execution_id", executionID),
		slog.String("workflow_id", wctx.WorkflowID),
	)
	return nil
}

// Get 返回指定执行的当前状态。
func (o *Orchestrator) Get(ctx context.Context, executionID string) (*Context, error) {
	return o.loadExecution(ctx, executionID)
}

// List 返回符合过滤条件的执行列表。
func (o *Orchestrator) List(ctx context.Context, opts ...ListOption) ([]*Context, error) {
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return o.store.ListExecutions(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的执行统计信息。
func (o *Orchestrator) Stats(ctx context.Context, opts ...ListOption) (ExecutionStats, error) {
	if o.store == nil {
		return ExecutionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return o.store.Stats(ctx, buildListOptions(opts))
}

// PendingApprovals 返回当前等待人工审批的执行列表。
func (o *Orchestrator) PendingApprovals(ctx context.Context) ([]*Context, error) {
	return o.List(ctx, WithStatuses(StatusWaitingApproval), WithLimit(100), WithSortOrder(SortByUpdatedAsc))
}

// Snapshots 按序号升序返回执行的全部快照。
func (o *Orchestrator) Snapshots(ctx context.Context, executionID string) ([]*Snapshot, error) {
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return o.store.ListSnapshots(ctx, executionID)
}

// ContinueExecution 从当前步骤之后继续推进执行，由续跑队列的消费者调用。
// 执行不存在或不处于运行态时直接跳过，避免重复投递造成重复推进。
func (o *Orchestrator) ContinueExecution(ctx context.Context, executionID string) error {
	if o.store == nil || o.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	wctx, err := o.loadExecution(ctx, executionID)
	if err != nil {
		if stdErrors.Is(err, ErrExecutionNotFound) {
			o.logDebug("跳过未知执行", slog.String("execution_id", executionID))
			return nil
		}
		return err
	}
	if wctx.Status != StatusRunning {
		o.logDebug("跳过非运行态执行",
			slog.String("execution_id", executionID),
			slog.String("status", string(wctx.Status)),
		)
		return nil
	}
	def, ok := o.Workflow(wctx.WorkflowID)
	if !ok {
		_, err := o.failExecution(ctx, wctx, xerrors.New(CodeWorkflowNotFound,
			fmt.Sprintf("工作流定义 %s 不存在", wctx.WorkflowID)))
		return err
	}

	next := def.EntryStep
	if wctx.CurrentStep != "" {
		step, ok := def.Step(wctx.CurrentStep)
		if !ok {
			_, err := o.failExecution(ctx, wctx, xerrors.New(CodeDefinitionInvalid,
				fmt.Sprintf("工作流 %s 中不存在步骤 %s", def.ID, wctx.CurrentStep)))
			return err
		}
		next, err = o.selectNext(step, wctx)
		if err != nil {
			_, failErr := o.failExecution(ctx, wctx, err)
			return failErr
		}
	}
	_, err = o.runFrom(ctx, def, wctx, next)
	return err
}

// WaitUntilTerminal 轮询执行状态，直到进入终态或等待审批。
func (o *Orchestrator) WaitUntilTerminal(ctx context.Context, executionID string, interval time.Duration) (*Context, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wctx, err := o.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if wctx.Status.IsTerminal() || wctx.Status == StatusWaitingApproval {
			return wctx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (o *Orchestrator) Close() error {
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			return err
		}
	}
	if o.producer != nil {
		return o.producer.Close()
	}
	return nil
}

// runFrom 从 stepID 开始依次执行步骤。stepID 为空表示没有后续步骤，
// 执行直接完成。
func (o *Orchestrator) runFrom(ctx context.Context, def *Definition, wctx *Context, stepID string) (*Context, error) {
	current := stepID
	for current != "" {
		step, ok := def.Step(current)
		if !ok {
			return o.failExecution(ctx, wctx, xerrors.New(CodeDefinitionInvalid,
				fmt.Sprintf("工作流 %s 中不存在步骤 %s", def.ID, current)))
		}

		params := ResolveParams(step.Params, wctx)
		started := time.Now()
		result, execErr := o.executeStep(ctx, step, params, wctx)
		metrics.ObserveStepDuration(wctx.WorkflowID, step.Type, time.Since(started))
		if execErr != nil {
			return o.failExecution(ctx, wctx, execErr)
		}

		wctx.Results[step.ID] = result
		wctx.History = append(wctx.History, step.ID)
		wctx.CurrentStep = step.ID

		confidence := confidenceOf(result)
		if confidence < step.Threshold() {
			// 低置信度暂停：先追加快照，再落执行状态。
			snapshot := &Snapshot{
				ExecutionID: wctx.ExecutionID,
				StepID:      step.ID,
				Context:     wctx.Clone(),
			}
			if err := o.store.SaveSnapshot(ctx, snapshot); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存暂停快照失败")
			}
			wctx.Status = StatusWaitingApproval
			wctx.PendingStep = step.ID
			if err := o.persist(ctx, wctx); err != nil {
				return nil, err
			}
			metrics.ObserveExecutionTransition(wctx.WorkflowID, string(wctx.Status))
			logger.Audit().Info("执行等待人工审批",
				slog.String("execution_id", wctx.ExecutionID),
				slog.String("workflow_id", wctx.WorkflowID),
				slog.String("step_id", step.ID),
				slog.Float64("confidence", confidence),
				slog.Float64("threshold", step.Threshold()),
			)
			return wctx.Clone(), nil
		}

		next, err := o.selectNext(step, wctx)
		if err != nil {
			return o.failExecution(ctx, wctx, err)
		}
		if err := o.persist(ctx, wctx); err != nil {
			return nil, err
		}
		current = next
	}

	wctx.Status = StatusCompleted
	wctx.PendingStep = ""
	if err := o.persist(ctx, wctx); err != nil {
		return nil, err
	}
	metrics.ObserveExecutionTransition(wctx.WorkflowID, string(wctx.Status))
	logger.Audit().Info("工作流执行完成",
		slog.String("execution_id", wctx.ExecutionID),
		slog.String("workflow_id", wctx.WorkflowID),
		slog.String("final_step", wctx.CurrentStep),
	)
	return wctx.Clone(), nil
}

// executeStep 调用步骤执行器，失败时按重试策略退避重试。
func (o *Orchestrator) executeStep(ctx context.Context, step *Step, params map[string]any, wctx *Context) (map[string]any, error) {
	executor, ok := o.registry.Executor(step.Type)
	if !ok {
		return nil, xerrors.New(CodeStepExecutionFailed,
			fmt.Sprintf("未注册步骤类型 %s 的执行器", step.Type))
	}

	policy := o.retryPolicy(step)
	attempt := 0
	for {
		result, err := executor.ExecuteStep(ctx, step, params, wctx.Clone())
		if err == nil {
			if result == nil {
				result = make(map[string]any)
			}
			return result, nil
		}
		if !policy.ShouldRetry(attempt, err) {
			return nil, xerrors.Wrap(CodeStepExecutionFailed, err,
				fmt.Sprintf("步骤 %s 在第 %d 次尝试后失败", step.ID, attempt+1))
		}
		delay := policy.Delay(attempt)
		o.logDebug("步骤执行失败，准备重试",
			slog.String("execution_id", wctx.ExecutionID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(),
				fmt.Sprintf("步骤 %s 重试等待被中断", step.ID))
		case <-timer.C:
		}
		attempt++
	}
}

// selectNext 按声明顺序评估出边条件，返回第一条命中的目标步骤。
func (o *Orchestrator) selectNext(step *Step, wctx *Context) (string, error) {
	for _, transition := range step.NextSteps {
		matched, err := EvaluateCondition(transition.Condition, wctx)
		if err != nil {
			return "", err
		}
		if matched {
			return transition.Step, nil
		}
	}
	return "", nil
}

// failExecution 将执行标记为失败并落库。失败属于业务结果，
// 返回 error 仅代表落库本身出错。
func (o *Orchestrator) failExecution(ctx context.Context, wctx *Context, cause error) (*Context, error) {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeStepExecutionFailed
	}
	wctx.Status = StatusFailed
	wctx.PendingStep = ""
	wctx.LastError = cause.Error()
	wctx.ErrorCode = string(code)
	if err := o.persist(ctx, wctx); err != nil {
		return nil, err
	}
	metrics.ObserveExecutionTransition(wctx.WorkflowID, string(wctx.Status))
	logger.Audit().Warn("工作流执行失败",
		slog.String("execution_id", wctx.ExecutionID),
		slog.String("workflow_id", wctx.WorkflowID),
		slog.String("last_step", wctx.CurrentStep),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	o.emitAlert(ctx, wctx, code, cause, "execute")
	return wctx.Clone(), nil
}

func (o *Orchestrator) retryPolicy(step *Step) RetryPolicy {
	if step.Retry != nil {
		return step.Retry.withDefaults()
	}
	return o.defaultRetry
}

// persist 将执行状态写入存储，并同步更新进程内缓存。
func (o *Orchestrator) persist(ctx context.Context, wctx *Context) error {
	if err := o.store.UpdateExecution(ctx, wctx); err != nil {
		return err
	}
	o.cacheLive(wctx)
	return nil
}

// cacheLive 维护运行中执行的进程内缓存，终态执行从缓存移除。
func (o *Orchestrator) cacheLive(wctx *Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wctx.Status.IsTerminal() {
		delete(o.live, wctx.ExecutionID)
		return
	}
	o.live[wctx.ExecutionID] = wctx.Clone()
}

// loadExecution 优先读进程内缓存，未命中时回源存储。
func (o *Orchestrator) loadExecution(ctx context.Context, executionID string) (*Context, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	o.mu.RLock()
	cached, ok := o.live[executionID]
	o.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}
	return o.store.GetExecution(ctx, executionID)
}

func (o *Orchestrator) logDebug(msg string, attrs ...slog.Attr) {
	if o.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		o.logger.Debug(msg, args...)
	}
}

func (o *Orchestrator) emitAlert(ctx context.Context, wctx *Context, code xerrors.Code, cause error, stage string) {
	if o == nil || o.alerter == nil || wctx == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		ExecutionID: wctx.ExecutionID,
		WorkflowID:  wctx.WorkflowID,
		StepID:      wctx.CurrentStep,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", wctx.ExecutionID),
			slog.String("stage", stage),
		)
	}
}

// confidenceOf 读取步骤结果中的置信度，缺省视为 1.0。
func confidenceOf(result map[string]any) float64 {
	raw, ok := result["confidence"]
	if !ok {
		return 1.0
	}
	value, ok := toFloat(raw)
	if !ok {
		return 1.0
	}
	return value
}
