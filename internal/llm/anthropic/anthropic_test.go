package anthropic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripFenceRemovesJSONCodeFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripFence("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}
