// Package tier maps lifetime points to a loyalty tier. Thresholds are on
// cumulative earning, never on the spendable balance.
package tier

import "fmt"

type Tier string

const (
	Bronze   Tier = "bronze"
	Silver   Tier = "silver"
	Gold     Tier = "gold"
	Platinum Tier = "platinum"
)

type level struct {
	tier            Tier
	threshold       int64
	discountPercent int
}

// ordered ascending by threshold
var levels = []level{
	{tier: Bronze, threshold: 0, discountPercent: 0},
	{tier: Silver, threshold: 100_000, discountPercent: 3},
	{tier: Gold, threshold: 500_000, discountPercent: 5},
	{tier: Platinum, threshold: 1_000_000, discountPercent: 10},
}

// Info is the result of For. NextTier is empty and AmountToNext is zero at the top tier.
type Info struct {
	Tier            Tier  `json:"tier"`
	DiscountPercent int   `json:"discount_percent"`
	NextTier        Tier  `json:"next_tier,omitempty"`
	AmountToNext    int64 `json:"amount_to_next"`
}

// For returns the tier for lifetimePoints. Negative input is treated as zero.
func For(lifetimePoints int64) Info {
	if lifetimePoints < 0 {
		lifetimePoints = 0
	}

	idx := 0
	for i, l := range levels {
		if lifetimePoints >= l.threshold {
			idx = i
		}
	}

	info := Info{
		Tier:            levels[idx].tier,
		DiscountPercent: levels[idx].discountPercent,
	}
	if idx+1 < len(levels) {
		next := levels[idx+1]
		info.NextTier = next.tier
		info.AmountToNext = next.threshold - lifetimePoints
	}
	return info
}

// Threshold returns the lifetime points needed to reach t.
func (t Tier) Threshold() (int64, error) {
	for _, l := range levels {
		if l.tier == t {
			return l.threshold, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", t)
}

func (t Tier) String() string {
	switch t {
	case Bronze, Silver, Gold, Platinum:
		return string(t)
	default:
		return ""
	}
}
