package consolidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEpisodeIDForStableAndDistinct(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	a := episodeIDFor("sess-1", start, end)
	b := episodeIDFor("sess-1", start, end)
	require.Equal(t, a, b)
	require.NotEqual(t, a, episodeIDFor("sess-2", start, end))
	require.NotEqual(t, a, episodeIDFor("sess-1", start, end.Add(time.Hour)))
}
