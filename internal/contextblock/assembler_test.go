package contextblock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/memoryd/internal/model"
)

func TestSplitStandingOrdersSeparatesInstructions(t *testing.T) {
	facts := []model.Fact{
		{FactID: "1", FactType: model.FactInstruction, CIARScore: 0.9},
		{FactID: "2", FactType: model.FactPreference, CIARScore: 0.9},
		{FactID: "3", FactType: model.FactPreference, CIARScore: 0.1},
	}
	significant, standing := splitStandingOrders(facts, 0.6)
	require.Len(t, standing, 1)
	require.Equal(t, "1", standing[0].FactID)
	require.Len(t, significant, 1)
	require.Equal(t, "2", significant[0].FactID)
}

func TestSplitStandingOrdersLatestWinsPerTopic(t *testing.T) {
	now := time.Now().UTC()
	facts := []model.Fact{
		{FactID: "old", FactType: model.FactInstruction, CIARScore: 0.9, Content: "call me Alex", ExtractedAt: now.Add(-time.Hour)},
		{FactID: "new", FactType: model.FactInstruction, CIARScore: 0.9, Content: "call me Alex, not Mr. Smith", ExtractedAt: now},
		{FactID: "other", FactType: model.FactInstruction, CIARScore: 0.9, Content: "always answer in French", ExtractedAt: now.Add(-2 * time.Hour)},
	}
	_, standing := splitStandingOrders(facts, 0.6)
	require.Len(t, standing, 2)
	require.Equal(t, "new", standing[0].FactID)
	require.Equal(t, "other", standing[1].FactID)
}

func TestSplitStandingOrdersCapsAtFive(t *testing.T) {
	now := time.Now().UTC()
	var facts []model.Fact
	for i := 0; i < 8; i++ {
		facts = append(facts, model.Fact{
			FactID:      string(rune('a' + i)),
			FactType:    model.FactInstruction,
			CIARScore:   0.9,
			Content:     string(rune('a'+i)) + " distinct topic",
			ExtractedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}
	_, standing := splitStandingOrders(facts, 0.6)
	require.Len(t, standing, maxStandingOrders)
}

func TestTruncateToBudgetStopsAtFloor(t *testing.T) {
	turns := make([]model.Turn, 0, 20)
	for i := 0; i < 20; i++ {
		turns = append(turns, model.Turn{Content: "this is a reasonably long turn of conversation text"})
	}
	block := model.ContextBlock{RecentTurns: turns}
	truncateToBudget(&block, 1)
	require.Len(t, block.RecentTurns, minRetainedTurns)
}

func TestTruncateToBudgetKeepsEverythingWhenUnderBudget(t *testing.T) {
	block := model.ContextBlock{RecentTurns: []model.Turn{{Content: "hi"}}}
	truncateToBudget(&block, 4000)
	require.Len(t, block.RecentTurns, 1)
}
