package l1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicImpactMonotoneByLength(t *testing.T) {
	require.Less(t, heuristicImpact(""), heuristicImpact("short"))
	require.Less(t, heuristicImpact("short"), heuristicImpact("a medium length message here"))
	require.Less(t, heuristicImpact("a medium length message here"), heuristicImpact(
		"a very long message that goes on for quite a while and should score as high impact material"))
}

func TestTurnDeterministicFactIDStable(t *testing.T) {
	a := turnDeterministicFactID("sess-1", "turn-1")
	b := turnDeterministicFactID("sess-1", "turn-1")
	require.Equal(t, a, b)
	require.NotEqual(t, a, turnDeterministicFactID("sess-1", "turn-2"))
}
