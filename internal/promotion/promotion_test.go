package promotion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicFactIDStableAndDistinct(t *testing.T) {
	a := deterministicFactID("sess-1", "likes tea", "preference")
	b := deterministicFactID("sess-1", "likes tea", "preference")
	require.Equal(t, a, b)
	require.NotEqual(t, a, deterministicFactID("sess-1", "likes coffee", "preference"))
	require.NotEqual(t, a, deterministicFactID("sess-2", "likes tea", "preference"))
}

func TestDeterministicFactIDNormalizesCosmeticDifferences(t *testing.T) {
	a := deterministicFactID("sess-1", "Likes   Tea", "preference")
	b := deterministicFactID("sess-1", "likes tea", "preference")
	require.Equal(t, a, b)
}

func TestLeaseKeyScopedToSession(t *testing.T) {
	require.Equal(t, "{session:sess-1}:promotion:lease", leaseKey("sess-1"))
}
