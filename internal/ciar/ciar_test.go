package ciar

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAgeDecayMonotoneNonIncreasing(t *testing.T) {
	prev := AgeDecay(0)
	require.InDelta(t, 1.0, prev, 1e-9)
	for _, d := range []float64{1, 5, 14, 30, 90, 365} {
		cur := AgeDecay(d)
		require.LessOrEqual(t, cur, prev)
		require.GreaterOrEqual(t, cur, 0.0)
		prev = cur
	}
	require.InDelta(t, 0.5, AgeDecay(halfLifeDays), 1e-9)
}

func TestRecencyBoostMonotoneNonDecreasingAndCapped(t *testing.T) {
	prev := RecencyBoost(0)
	require.InDelta(t, 1.0, prev, 1e-9)
	for _, a := range []int{1, 2, 5, 10, 20, 1000} {
		cur := RecencyBoost(a)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	require.InDelta(t, RecencyBoost(recencyCapAccesses), RecencyBoost(1000), 1e-9)
}

func TestScoreClippedToUnitInterval(t *testing.T) {
	s := Score(Inputs{Certainty: 1, Impact: 1, DaysOld: 0, AccessCount: 1000})
	require.LessOrEqual(t, s, 1.0)
	require.GreaterOrEqual(t, s, 0.0)
}

func TestScoreAtThresholdIsPromotable(t *testing.T) {
	// certainty*impact*age_decay*recency_boost == threshold exactly: >=, not >.
	in := Inputs{Certainty: 0.6, Impact: 1.0, DaysOld: 0, AccessCount: 0}
	threshold := Score(in)
	b := Explain(in, threshold)
	require.True(t, b.Promotable)
}

func TestFilterOrdersByScoreDescending(t *testing.T) {
	type fact struct {
		name        string
		certainty   float64
		impact      float64
	}
	facts := []fact{
		{"low", 0.2, 0.2},
		{"high", 0.9, 0.9},
		{"mid", 0.6, 0.6},
	}
	out := Filter(facts, func(f fact) Inputs {
		return Inputs{Certainty: f.certainty, Impact: f.impact}
	}, 0.01)
	require.Len(t, out, 3)
	require.Equal(t, "high", out[0].Value.name)
	require.Equal(t, "mid", out[1].Value.name)
	require.Equal(t, "low", out[2].Value.name)
}

func TestFilterExcludesBelowThreshold(t *testing.T) {
	type fact struct{ certainty, impact float64 }
	facts := []fact{{0.9, 0.9}, {0.1, 0.1}}
	out := Filter(facts, func(f fact) Inputs {
		return Inputs{Certainty: f.certainty, Impact: f.impact}
	}, 0.6)
	require.Len(t, out, 1)
}
