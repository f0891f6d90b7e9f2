package l2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullableString(t *testing.T) {
	require.Nil(t, nullableString(""))
	require.Equal(t, "x", nullableString("x"))
}

func TestIsNoRows(t *testing.T) {
	require.True(t, isNoRows(errors.New("no rows in result set")))
	require.False(t, isNoRows(errors.New("connection refused")))
	require.False(t, isNoRows(nil))
}
