package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret-value")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  openai:
    api_key: "${TEST_API_KEY}"
search:
  brave_api_key: "bk"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-value", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 180*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ParseTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Limiter.AdminConfigTTL)
	assert.Equal(t, 0.20, cfg.Breaker.ErrorRateThreshold)
	assert.Equal(t, 30.0, cfg.Breaker.CostPerHourLimit)
	assert.Equal(t, 10, cfg.RAG.MaxConcurrent)
	assert.True(t, cfg.Search.Configured())
}

func TestSearchConfiguredRequiresAnyKey(t *testing.T) {
	assert.False(t, SearchConfig{}.Configured())
	assert.True(t, SearchConfig{TavilyAPIKey: "k"}.Configured())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
