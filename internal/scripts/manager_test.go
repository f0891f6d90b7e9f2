package scripts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNoScript(t *testing.T) {
	require.True(t, isNoScript(errors.New("NOSCRIPT No matching script. Please use EVAL.")))
	require.False(t, isNoScript(errors.New("WRONGTYPE Operation against a key")))
}

func TestToInt64(t *testing.T) {
	v, err := toInt64(int64(5))
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = toInt64(int(7))
	require.NoError(t, err)
	require.Equal(t, int64(7), v)

	_, err = toInt64("nope")
	require.Error(t, err)
}

func TestEmbeddedScriptsNonEmpty(t *testing.T) {
	for name, src := range sources {
		require.NotEmpty(t, src, "script %s should not be empty", name)
	}
}
