package governance

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentFlow/internal/errors"
)

func newTestService(t *testing.T, registry Registry) *Service {
	t.Helper()
	policy := NewPolicy(TierStudent, map[string]Tier{
		"deploy":  TierSupervised,
		"publish": TierIntern,
	})
	svc, err := NewService(registry, policy, 0.01)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestServiceCreateAgent(t *testing.T) {
	svc := newTestService(t, NewMemoryRegistry())
	ctx := context.Background()

	record, err := svc.CreateAgent(ctx, "  researcher ", Configuration{
		SystemPrompt: "你是一个严谨的研究助理",
		AllowedTools: []string{"search"},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected generated agent id")
	}
	if record.Name != "researcher" {
		t.Fatalf("name = %q, want trimmed researcher", record.Name)
	}
	if record.Tier != TierStudent || record.ConfidenceScore != 0 {
		t.Fatalf("new agent should start at STUDENT with zero score, got %s/%v", record.Tier, record.ConfidenceScore)
	}
	if len(record.Configuration.AllowedTools) != 1 || record.Configuration.AllowedTools[0] != "search" {
		t.Fatalf("configuration not carried: %+v", record.Configuration)
	}

	if _, err := svc.CreateAgent(ctx, "researcher", Configuration{}); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("duplicate name should fail with ErrAgentExists, got %v", err)
	}
	if _, err := svc.CreateAgent(ctx, "   ", Configuration{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("blank name error code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInvalidArgument)
	}

	found, err := svc.FindAgentByName(ctx, " researcher ")
	if err != nil {
		t.Fatalf("find by name: %v", err)
	}
	if found.ID != record.ID {
		t.Fatalf("found id = %s, want %s", found.ID, record.ID)
	}
}

func TestServiceCheckPermission(t *testing.T) {
	svc := newTestService(t, NewMemoryRegistry())
	ctx := context.Background()

	record, err := svc.CreateAgent(ctx, "rookie", Configuration{})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	decision, err := svc.CheckPermission(ctx, record.ID, "search")
	if err != nil {
		t.Fatalf("check permission: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("unlisted tool should be allowed at default tier: %+v", decision)
	}
	if decision.AgentTier != TierStudent || decision.RequiredTier != TierStudent {
		t.Fatalf("decision tiers = %s/%s, want STUDENT/STUDENT", decision.AgentTier, decision.RequiredTier)
	}

	decision, err = svc.CheckPermission(ctx, record.ID, "deploy")
	if err != nil {
		t.Fatalf("check permission: %v", err)
	}
	if decision.Allowed {
		t.Fatal("STUDENT must not be allowed to deploy")
	}
	want := "STUDENT lacks maturity for deploy, requires SUPERVISED"
	if decision.Explanation != want {
		t.Fatalf("explanation = %q, want %q", decision.Explanation, want)
	}
	if decision.AgentTier != TierStudent || decision.RequiredTier != TierSupervised {
		t.Fatalf("decision tiers = %s/%s, want STUDENT/SUPERVISED", decision.AgentTier, decision.RequiredTier)
	}

	if _, err := svc.CheckPermission(ctx, "ghost", "search"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("unknown agent should fail with ErrAgentNotFound, got %v", err)
	}
}

func TestServicePromotionUnlocksTools(t *testing.T) {
	registry := NewMemoryRegistry()
	svc := newTestService(t, registry)
	ctx := context.Background()

	record, err := svc.CreateAgent(ctx, "climber", Configuration{})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := registry.UpdateProgress(ctx, record.ID, 0.49); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	decision, err := svc.CheckPermission(ctx, record.ID, "publish")
	if err != nil {
		t.Fatalf("check permission: %v", err)
	}
	if decision.Allowed {
		t.Fatal("publish should stay locked at 0.49")
	}

	updated, err := svc.RecordSuccess(ctx, record.ID)
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	if updated.ConfidenceScore != 0.5 || updated.Tier != TierIntern {
		t.Fatalf("after success score/tier = %v/%s, want 0.5/INTERN", updated.ConfidenceScore, updated.Tier)
	}

	decision, err = svc.CheckPermission(ctx, record.ID, "publish")
	if err != nil {
		t.Fatalf("check permission: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("INTERN should unlock publish: %+v", decision)
	}
}

func TestServiceScoreCapped(t *testing.T) {
	registry := NewMemoryRegistry()
	svc := newTestService(t, registry)
	ctx := context.Background()

	record, err := svc.CreateAgent(ctx, "veteran", Configuration{})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := registry.UpdateProgress(ctx, record.ID, 5); err != nil {
		t.Fatalf("seed score: %v", err)
	}

	updated, err := svc.RecordSuccess(ctx, record.ID)
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	if updated.ConfidenceScore != 1 {
		t.Fatalf("score = %v, want capped at 1", updated.ConfidenceScore)
	}
	if updated.Tier != TierAutonomous {
		t.Fatalf("tier = %s, want AUTONOMOUS", updated.Tier)
	}
}

func TestNewServiceDefaults(t *testing.T) {
	if _, err := NewService(nil, nil, 0.01); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("nil registry error code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeInitializationFailure)
	}

	svc, err := NewService(NewMemoryRegistry(), nil, -3)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.increment != defaultConfidenceIncrement {
		t.Fatalf("increment = %v, want default %v", svc.increment, defaultConfidenceIncrement)
	}
	if svc.policy.DefaultTier() != TierStudent {
		t.Fatalf("nil policy should fall back to STUDENT default, got %s", svc.policy.DefaultTier())
	}
}
