package providers

import (
	"testing"

	"github.com/intelligencedev/memoryd/internal/config"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/stretchr/testify/require"
)

func TestBuildRejectsUnknownProvider(t *testing.T) {
	_, err := Build(config.LLMConfig{Providers: []string{"bogus"}})
	require.Error(t, err)
}

func TestBuildRejectsEmptyProviderList(t *testing.T) {
	_, err := Build(config.LLMConfig{Providers: nil})
	require.Error(t, err)
}

func TestBuildOrdersProvidersAsConfigured(t *testing.T) {
	c, err := Build(config.LLMConfig{Providers: []string{"openai", "anthropic"}})
	require.NoError(t, err)
	require.Len(t, c.names, 2)
	require.Equal(t, llm.Name("openai"), c.names[0])
	require.Equal(t, llm.Name("anthropic"), c.names[1])
}

func TestBreakerOpensAfterTrip(t *testing.T) {
	b := &breaker{}
	require.False(t, b.open())
	b.trip()
	require.True(t, b.open())
}
