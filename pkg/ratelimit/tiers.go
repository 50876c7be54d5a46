package ratelimit

import "strings"

// Tier classifies an actor for limit scaling. The multiplier table is fixed
// at compile time and never derived from request input.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierInternal   Tier = "internal"
)

var tierMultipliers = map[Tier]int{
	TierFree:       1,
	TierPro:        5,
	TierEnterprise: 20,
	TierInternal:   100,
}

func ParseTier(raw string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierMultipliers[t]; ok {
		return t
	}
	return TierFree
}

// EffectiveLimit scales a base limit by the tier multiplier. Unknown tiers
// fall back to the free multiplier.
func EffectiveLimit(base int, tier Tier) int {
	if base <= 0 {
		return 0
	}
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = tierMultipliers[TierFree]
	}
	return base * mult
}
