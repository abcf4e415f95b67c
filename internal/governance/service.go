package governance

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/pkg/logger"
)

// defaultConfidenceIncrement 是每次任务成功后置信度的默认增量。
const defaultConfidenceIncrement = 0.01

// Service 负责智能体的注册、成熟度评估与工具权限裁决。
type Service struct {
	registry  Registry
	policy    *Policy
	increment float64
	audit     *slog.Logger
}

// NewService 构造治理服务实例。
func NewService(registry Registry, policy *Policy, increment float64) (*Service, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "治理服务需要智能体注册表")
	}
	if policy == nil {
		policy = NewPolicy(TierStudent, nil)
	}
	if increment <= 0 {
		increment = defaultConfidenceIncrement
	}
	return &Service{
		registry:  registry,
		policy:    policy,
		increment: increment,
		audit:     logger.Audit(),
	}, nil
}

// CreateAgent 注册一个新的智能体，初始置信度为零。
func (s *Service) CreateAgent(ctx context.Context, name string, config Configuration) (*Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if existing, err := s.registry.FindAgentByName(ctx, name); err == nil && existing != nil {
		return nil, xerrors.New(CodeAgentExists, fmt.Sprintf("智能体 %s 已存在", name))
	} else if err != nil && !stdErrors.Is(err, ErrAgentNotFound) {
		return nil, err
	}

	record := &Record{
		ID:              uuid.NewString(),
		Name:            name,
		ConfidenceScore: 0,
		Configuration:   config,
	}
	record.Tier = TierForScore(record.ConfidenceScore)
	if err := s.registry.CreateAgent(ctx, record); err != nil {
		return nil, err
	}
	s.audit.Info("注册智能体",
		slog.String("agent_id", record.ID),
		slog.String("agent_name", record.Name),
		slog.String("tier", string(record.Tier)),
	)
	return record.Clone(), nil
}

// GetAgent 返回指定智能体的治理档案。
func (s *Service) GetAgent(ctx context.Context, id string) (*Record, error) {
	return s.registry.GetAgent(ctx, id)
}

// FindAgentByName 按名称查找智能体。
func (s *Service) FindAgentByName(ctx context.Context, name string) (*Record, error) {
	return s.registry.FindAgentByName(ctx, strings.TrimSpace(name))
}

// ListAgents 返回全部已注册的智能体。
func (s *Service) ListAgents(ctx context.Context) ([]*Record, error) {
	return s.registry.ListAgents(ctx)
}

// CheckPermission 判定智能体当前成熟度能否使用指定工具。
// 拒绝不是错误：返回的 Decision 携带拒绝说明，错误仅代表基础设施故障。
func (s *Service) CheckPermission(ctx context.Context, agentID, tool string) (*Decision, error) {
	record, err := s.registry.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	required := s.policy.RequiredTier(tool)
	decision := &Decision{
		AgentTier:    record.Tier,
		RequiredTier: required,
	}
	if record.Tier.AtLeast(required) {
		decision.Allowed = true
		return decision, nil
	}
	decision.Explanation = fmt.Sprintf("%s lacks maturity for %s, requires %s", record.Tier, tool, required)
	s.audit.Warn("治理策略拒绝工具调用",
		slog.String("agent_id", record.ID),
		slog.String("agent_name", record.Name),
		slog.String("tool", tool),
		slog.String("agent_tier", string(record.Tier)),
		slog.String("required_tier", string(required)),
		slog.String("error_code", string(CodeGovernanceDenied)),
	)
	return decision, nil
}

// RecordSuccess 在任务成功后提升智能体置信度并重算成熟度层级。
// 置信度只增不减，达到 1.0 后封顶。
func (s *Service) RecordSuccess(ctx context.Context, agentID string) (*Record, error) {
	before, err := s.registry.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	updated, err := s.registry.UpdateProgress(ctx, agentID, s.increment)
	if err != nil {
		return nil, err
	}
	if updated.Tier != before.Tier {
		s.audit.Info("智能体晋升",
			slog.String("agent_id", updated.ID),
			slog.String("agent_name", updated.Name),
			slog.String("from_tier", string(before.Tier)),
			slog.String("to_tier", string(updated.Tier)),
			slog.Float64("confidence_score", updated.ConfidenceScore),
		)
	}
	return updated, nil
}

// Close 释放注册表资源。
func (s *Service) Close() error {
	if s == nil || s.registry == nil {
		return nil
	}
	return s.registry.Close()
}
