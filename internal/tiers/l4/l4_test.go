package l4

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNoRows(t *testing.T) {
	require.True(t, isNoRows(errors.New("no rows in result set")))
	require.False(t, isNoRows(errors.New("connection refused")))
}
