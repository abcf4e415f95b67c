package governance

import (
	"fmt"
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// Tier represents the maturity level an agent has earned through
// successful task completions. Tiers are strictly ordered from
// STUDENT up to AUTONOMOUS.
type Tier string

const (
	TierStudent    Tier = "STUDENT"
	TierIntern     Tier = "INTERN"
	TierSupervised Tier = "SUPERVISED"
	TierAutonomous Tier = "AUTONOMOUS"
)

var tierRanks = map[Tier]int{
	TierStudent:    0,
	TierIntern:     1,
	TierSupervised: 2,
	TierAutonomous: 3,
}

// Rank returns the ordinal position of the tier with STUDENT lowest.
// Unknown tiers rank below STUDENT.
func (t Tier) Rank() int {
	if rank, ok := tierRanks[t]; ok {
		return rank
	}
	return -1
}

// AtLeast reports whether the tier satisfies the required tier.
func (t Tier) AtLeast(required Tier) bool {
	return t.Rank() >= required.Rank()
}

// IsValid reports whether the tier is one of the defined levels.
func (t Tier) IsValid() bool {
	_, ok := tierRanks[t]
	return ok
}

// ParseTier normalises a raw string into a Tier.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToUpper(strings.TrimSpace(raw)))
	if !tier.IsValid() {
		return "", xerrors.New(CodePolicyInvalid, fmt.Sprintf("unknown maturity tier: %s", raw))
	}
	return tier, nil
}

// TierForScore maps a confidence score onto the maturity ladder.
// The tier is a pure function of the score: 0.5 promotes to INTERN,
// 0.8 to SUPERVISED and 0.95 to AUTONOMOUS.
func TierForScore(score float64) Tier {
	switch {
	case score >= 0.95:
		return TierAutonomous
	case score >= 0.8:
		return TierSupervised
	case score >= 0.5:
		return TierIntern
	default:
		return TierStudent
	}
}
