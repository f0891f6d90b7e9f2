package eventbus

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageRoundTrips(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	msg := redis.XMessage{
		ID: "1-1",
		Values: map[string]any{
			"type":       "fact_promoted",
			"session_id": "sess-1",
			"timestamp":  now.Format(time.RFC3339Nano),
			"data":       `{"fact_id":"f-1"}`,
		},
	}
	event, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, EventFactPromoted, event.Type)
	require.Equal(t, "sess-1", event.SessionID)
	require.True(t, event.Timestamp.Equal(now))
	require.Equal(t, "f-1", event.Data["fact_id"])
}

func TestDecodeMessageRejectsBadJSON(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-1",
		Values: map[string]any{
			"type": "fact_promoted",
			"data": "{not json",
		},
	}
	_, err := decodeMessage(msg)
	require.Error(t, err)
}

func TestIsBusyGroup(t *testing.T) {
	require.True(t, isBusyGroup(busyGroupErr{}))
	require.False(t, isBusyGroup(nil))
}

type busyGroupErr struct{}

func (busyGroupErr) Error() string { return "BUSYGROUP Consumer Group name already exists" }
