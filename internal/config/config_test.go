package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.WindowSize)
	require.Equal(t, 0.6, cfg.MinCIAR)
	require.Equal(t, []string{"anthropic", "openai"}, cfg.LLM.Providers)
}

func TestLoadYAMLOverlayOverridesDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "memoryd.yaml")
	err := os.WriteFile(path, []byte("window_size: 42\nmin_ciar: 0.8\n"), 0o644)
	require.NoError(t, err)

	old := os.Getenv("MEMORYD_CONFIG_FILE")
	defer func() { _ = os.Setenv("MEMORYD_CONFIG_FILE", old) }()
	_ = os.Setenv("MEMORYD_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 42, cfg.WindowSize)
	require.Equal(t, 0.8, cfg.MinCIAR)
	// Fields absent from the overlay keep their env-derived default.
	require.Equal(t, 10, cfg.MaxTurns)
}

func TestLoadYAMLOverlayMissingFileErrors(t *testing.T) {
	clearEnv(t)
	old := os.Getenv("MEMORYD_CONFIG_FILE")
	defer func() { _ = os.Setenv("MEMORYD_CONFIG_FILE", old) }()
	_ = os.Setenv("MEMORYD_CONFIG_FILE", "/nonexistent/memoryd.yaml")

	_, err := Load()
	require.Error(t, err)
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"MEMORYD_CONFIG_FILE", "WINDOW_SIZE", "MIN_CIAR", "MAX_TURNS",
		"LLM_PROVIDERS", "KAFKA_BROKERS",
	}
	saved := make(map[string]string, len(keys))
	for _, k := range keys {
		saved[k] = os.Getenv(k)
		_ = os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range saved {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}
