package governance

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentFlow/internal/errors"
)

// policyFile models the structure of configs/governance.yaml.
type policyFile struct {
	DefaultRequiredTier string            `yaml:"default_required_tier"`
	Tools               map[string]string `yaml:"tools"`
}

// Policy maps tool names onto the maturity tier required to use them.
// Tools absent from the table fall back to the default required tier.
type Policy struct {
	defaultTier Tier
	tools       map[string]Tier
}

// NewPolicy builds a policy from an in-memory table.
func NewPolicy(defaultTier Tier, tools map[string]Tier) *Policy {
	if !defaultTier.IsValid() {
		defaultTier = TierStudent
	}
	table := make(map[string]Tier, len(tools))
	for tool, tier := range tools {
		tool = strings.TrimSpace(tool)
		if tool == "" || !tier.IsValid() {
			continue
		}
		table[tool] = tier
	}
	return &Policy{defaultTier: defaultTier, tools: table}
}

// LoadPolicy parses the YAML file containing the tool permission table.
// An empty path yields a policy that only applies the default tier.
func LoadPolicy(path string, defaultTier Tier) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return NewPolicy(defaultTier, nil), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodePolicyInvalid, err, "读取治理策略文件失败")
	}

	var file policyFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(CodePolicyInvalid, err, "解析治理策略文件失败")
	}

	if strings.TrimSpace(file.DefaultRequiredTier) != "" {
		parsed, err := ParseTier(file.DefaultRequiredTier)
		if err != nil {
			return nil, err
		}
		defaultTier = parsed
	}

	tools := make(map[string]Tier, len(file.Tools))
	for tool, raw := range file.Tools {
		tier, err := ParseTier(raw)
		if err != nil {
			return nil, xerrors.Wrap(CodePolicyInvalid, err, fmt.Sprintf("工具 %s 的治理层级无效", tool))
		}
		tools[strings.TrimSpace(tool)] = tier
	}
	return NewPolicy(defaultTier, tools), nil
}

// RequiredTier returns the tier required to invoke the given tool.
func (p *Policy) RequiredTier(tool string) Tier {
	if p == nil {
		return TierStudent
	}
	if tier, ok := p.tools[strings.TrimSpace(tool)]; ok {
		return tier
	}
	return p.defaultTier
}

// DefaultTier returns the fallback tier applied to unlisted tools.
func (p *Policy) DefaultTier() Tier {
	if p == nil {
		return TierStudent
	}
	return p.defaultTier
}

// Tools returns the explicitly governed tool names in sorted order.
func (p *Policy) Tools() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.tools))
	for tool := range p.tools {
		names = append(names, tool)
	}
	sort.Strings(names)
	return names
}
