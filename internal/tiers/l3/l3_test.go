package l3

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRepairEntryRoundTrips(t *testing.T) {
	entry := repairEntry{
		EpisodeID: "ep-1",
		SessionID: "sess-1",
		Stage:     "graph",
		QueuedAt:  time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded repairEntry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, entry, decoded)
}
