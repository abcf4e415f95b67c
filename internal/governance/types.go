package governance

import (
	"context"

	xerrors "AgentFlow/internal/errors"
)

// Common errors returned by the governance subsystem.
var (
	// ErrAgentNotFound indicates the referenced agent is not registered.
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentExists indicates an agent with the same identity already exists.
	ErrAgentExists = xerrors.New(CodeAgentExists, "agent already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
)

// Error codes registered for the governance subsystem.
const (
	CodeAgentNotFound    xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentExists      xerrors.Code = "AGENT_EXISTS"
	CodeGovernanceDenied xerrors.Code = "GOVERNANCE_DENIED"
	CodePolicyInvalid    xerrors.Code = "POLICY_INVALID"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentExists, xerrors.Attributes{
		Message:  "agent already exists",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeGovernanceDenied, xerrors.Attributes{
		Message:  "tool usage denied by governance policy",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePolicyInvalid, xerrors.Attributes{
		Message:  "governance policy is invalid",
		Severity: xerrors.SeverityError,
	})
}

// Configuration carries the per-agent settings applied to every task
// the agent runs.
type Configuration struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	MaxSteps     int      `json:"max_steps,omitempty"`
}

// Record describes an agent registered with the governance service.
// Tier is always the value TierForScore yields for ConfidenceScore.
type Record struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Tier            Tier          `json:"tier"`
	ConfidenceScore float64       `json:"confidence_score"`
	Configuration   Configuration `json:"configuration"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Configuration.AllowedTools = append([]string(nil), r.Configuration.AllowedTools...)
	return &clone
}

// AllowsTool reports whether the agent may see the given tool at all.
// An empty allow list grants access to every registered tool.
func (r *Record) AllowsTool(tool string) bool {
	if r == nil {
		return false
	}
	if len(r.Configuration.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range r.Configuration.AllowedTools {
		if allowed == tool {
			return true
		}
	}
	return false
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Explanation  string `json:"explanation,omitempty"`
	AgentTier    Tier   `json:"agent_tier"`
	RequiredTier Tier   `json:"required_tier"`
}

// Registry persists agent governance records. Implementations must be
// safe for concurrent use and must return copies callers can mutate.
type Registry interface {
	CreateAgent(ctx context.Context, record *Record) error
	GetAgent(ctx context.Context, id string) (*Record, error)
	FindAgentByName(ctx context.Context, name string) (*Record, error)
	ListAgents(ctx context.Context) ([]*Record, error)
	// UpdateProgress atomically adds delta to the agent's confidence score,
	// clamps the result into [0, 1] and recomputes the tier. Negative deltas
	// are ignored so the score never decreases.
	UpdateProgress(ctx context.Context, id string, delta float64) (*Record, error)
	Close() error
}
