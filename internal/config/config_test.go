package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/crmsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("CRMSYNC_HOST")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "attio", cfg.RecordStore.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.StoreTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.ModelTTL)
	assert.Equal(t, time.Hour, cfg.Cache.ResolutionTTL)
	assert.Equal(t, 100, cfg.Engine.SearchPageSize)
	assert.Equal(t, 10, cfg.Engine.MaxCatalogObjects)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CRMSYNC_STORE_BACKEND", "sqlite")
	t.Setenv("CRMSYNC_LLM_PROVIDER", "groq")
	t.Setenv("CRMSYNC_STORE_CACHE_TTL", "90s")
	t.Setenv("CRMSYNC_SEARCH_PAGE_SIZE", "25")
	t.Setenv("CRMSYNC_SECURITY_MODE", "production")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.RecordStore.Backend)
	assert.Equal(t, "groq", cfg.LLM.Provider)
	assert.Equal(t, 90*time.Second, cfg.Cache.StoreTTL)
	assert.Equal(t, 25, cfg.Engine.SearchPageSize)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfig_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("CRMSYNC_PORT", "not-a-number")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
}

func TestLoadConfig_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("CRMSYNC_STORE_BACKEND", "salesforce")
	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce")
}

func TestLoadConfigFile_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crmsync.yaml")
	content := `
record_store:
  backend: sqlite
  dsn: "file::memory:"
llm:
  provider: ollama
  model: qwen2.5:7b
cache:
  store_ttl: 2m
engine:
  search_page_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CRMSYNC_LLM_MODEL", "llama3.1")

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.RecordStore.Backend)
	assert.Equal(t, "file::memory:", cfg.RecordStore.DSN)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "llama3.1", cfg.LLM.Model, "environment must override the file")
	assert.Equal(t, 2*time.Minute, cfg.Cache.StoreTTL)
	assert.Equal(t, 50, cfg.Engine.SearchPageSize)
	// untouched sections keep defaults
	assert.Equal(t, time.Hour, cfg.Cache.ResolutionTTL)
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	_, err := config.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	cfg.Limits.StoreRequestsPerWindow = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_requests_per_window")
}
