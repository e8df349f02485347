package tier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForBoundaries(t *testing.T) {
	cases := []struct {
		points   int64
		tier     Tier
		discount int
		next     Tier
		toNext   int64
	}{
		{points: 0, tier: Bronze, discount: 0, next: Silver, toNext: 100_000},
		{points: 99_999, tier: Bronze, discount: 0, next: Silver, toNext: 1},
		{points: 100_000, tier: Silver, discount: 3, next: Gold, toNext: 400_000},
		{points: 499_999, tier: Silver, discount: 3, next: Gold, toNext: 1},
		{points: 500_000, tier: Gold, discount: 5, next: Platinum, toNext: 500_000},
		{points: 999_999, tier: Gold, discount: 5, next: Platinum, toNext: 1},
		{points: 1_000_000, tier: Platinum, discount: 10},
		{points: 25_000_000, tier: Platinum, discount: 10},
		{points: -5, tier: Bronze, discount: 0, next: Silver, toNext: 100_000},
	}

	for _, tc := range cases {
		got := For(tc.points)
		require.Equal(t, tc.tier, got.Tier, "points=%d", tc.points)
		require.Equal(t, tc.discount, got.DiscountPercent, "points=%d", tc.points)
		require.Equal(t, tc.next, got.NextTier, "points=%d", tc.points)
		require.Equal(t, tc.toNext, got.AmountToNext, "points=%d", tc.points)
	}
}

func TestForIsMonotonic(t *testing.T) {
	prev := For(0)
	for p := int64(0); p <= 1_200_000; p += 997 {
		cur := For(p)
		require.GreaterOrEqual(t, cur.DiscountPercent, prev.DiscountPercent, "points=%d", p)

		prevRank, _ := prev.Tier.Threshold()
		curRank, _ := cur.Tier.Threshold()
		require.GreaterOrEqual(t, curRank, prevRank, "points=%d", p)
		prev = cur
	}
}

func TestThreshold(t *testing.T) {
	v, err := Gold.Threshold()
	require.NoError(t, err)
	require.Equal(t, int64(500_000), v)

	_, err = Tier("diamond").Threshold()
	require.Error(t, err)
	require.Equal(t, "", Tier("diamond").String())
}
