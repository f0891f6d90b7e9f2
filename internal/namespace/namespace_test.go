package namespace

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashTagExtractsBracedSubstring(t *testing.T) {
	require.Equal(t, "session:abc123", HashTag(L1Turns("abc123")))
	require.Equal(t, "session:abc123", HashTag(Workspace("abc123")))
	require.Equal(t, "mas", HashTag(LifecycleStream()))
}

func TestAllSessionKeysShareOneSlot(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		sessionID := fmt.Sprintf("sess-%d-%d", i, rnd.Int63())
		keys := []string{
			L1Turns(sessionID),
			AgentState(sessionID, "agent-1"),
			Workspace(sessionID),
			FactsIndex(sessionID),
			PendingRepair(sessionID),
		}
		slot := ComputeSlot(keys[0])
		for _, k := range keys[1:] {
			require.Equal(t, slot, ComputeSlot(k), "key %q landed on a different slot", k)
		}
	}
}

func TestApplyPrefixIdempotent(t *testing.T) {
	once := ApplyPrefix("wall", "sess-1")
	require.Equal(t, "wall:sess-1", once)
	twice := ApplyPrefix("wall", once)
	require.Equal(t, once, twice)
}

func TestApplyPrefixDistinctPrefixesDoNotCollapse(t *testing.T) {
	require.Equal(t, "a:x", ApplyPrefix("a", "x"))
	require.Equal(t, "b:a:x", ApplyPrefix("b", ApplyPrefix("a", "x")))
}

func TestComputeSlotInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		slot := ComputeSlot(L1Turns(fmt.Sprintf("s%d", i)))
		require.GreaterOrEqual(t, slot, 0)
		require.Less(t, slot, 16384)
	}
}
