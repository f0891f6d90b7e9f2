package watchdog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckOrFireDisabledWhenTimeoutZero(t *testing.T) {
	w := New(0, "", nil)
	require.False(t, w.CheckOrFire(nil))
}

func TestCheckOrFireFiresOnceAfterTimeout(t *testing.T) {
	dir := t.TempDir()
	artifactPath := filepath.Join(dir, "nested", "stuck.json")

	fired := 0
	w := New(10*time.Millisecond, artifactPath, func(Artifact) { fired++ })
	w.lastEvent = time.Now().Add(-time.Hour)

	require.True(t, w.CheckOrFire(map[string]any{"session_id": "s1"}))
	require.Equal(t, 1, fired)

	// A second check after already firing must not invoke Fatal again.
	require.False(t, w.CheckOrFire(nil))
	require.Equal(t, 1, fired)

	data, err := os.ReadFile(artifactPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "session_id")
}

func TestTouchResetsClock(t *testing.T) {
	w := New(50*time.Millisecond, "", func(Artifact) { t.Fatal("must not fire") })
	w.lastEvent = time.Now().Add(-time.Hour)
	w.Touch()
	require.False(t, w.CheckOrFire(nil))
}
