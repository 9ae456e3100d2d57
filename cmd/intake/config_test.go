package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/isolation"
)

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INTAKE_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"listen_addr": ":9000", "pool_size": 3, "log_level": "debug"}`), 0o600))
	t.Setenv("INTAKE_POOL_SIZE", "7")
	t.Setenv("INTAKE_API_TOKENS", "alice=t1, bob=t2")
	t.Setenv("INTAKE_PUBLIC_RUNS", "true")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.PublicRuns)
	assert.Equal(t, map[string]string{"alice": "t1", "bob": "t2"}, cfg.APITokens)
	assert.Equal(t, filepath.Join(dir, "intake.db"), cfg.DBPath)
	assert.Equal(t, "@every 30s", cfg.OutboxSchedule)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("bad settings file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("INTAKE_HOME", dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{`), 0o600))
		_, err := loadConfig()
		assert.Error(t, err)
	})
	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("INTAKE_HOME", t.TempDir())
		t.Setenv("INTAKE_HOOK_TIMEOUT_MS", "soon")
		_, err := loadConfig()
		assert.ErrorContains(t, err, "INTAKE_HOOK_TIMEOUT_MS")
	})
	t.Run("bad tokens", func(t *testing.T) {
		t.Setenv("INTAKE_HOME", t.TempDir())
		t.Setenv("INTAKE_API_TOKENS", "alice")
		_, err := loadConfig()
		assert.Error(t, err)
	})
}

func TestSaveConfig_WritesOnlyChangedFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INTAKE_HOME", dir)

	cfg := defaultConfig()
	cfg.ListenAddr = ":8080"
	cfg.DocumentsS3.Bucket = "docs"
	path, err := saveConfig(cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, ":8080", saved["listen_addr"])
	assert.Equal(t, map[string]any{"bucket": "docs"}, saved["documents_s3"])
	assert.NotContains(t, saved, "pool_size")
	assert.NotContains(t, saved, "db_path")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSetConfigValue(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, setConfigValue(&cfg, "pool_size", "4"))
	require.NoError(t, setConfigValue(&cfg, "public_runs", "true"))
	require.NoError(t, setConfigValue(&cfg, "vault_key", "passphrase"))
	require.NoError(t, setConfigValue(&cfg, "api_tokens", "ops=tok"))
	require.NoError(t, setConfigValue(&cfg, "documents_s3.endpoint", "localhost:9000"))
	require.NoError(t, setConfigValue(&cfg, "documents_s3.use_ssl", "1"))

	assert.Equal(t, 4, cfg.PoolSize)
	assert.True(t, cfg.PublicRuns)
	assert.Equal(t, "passphrase", cfg.VaultKey)
	assert.Equal(t, map[string]string{"ops": "tok"}, cfg.APITokens)
	assert.Equal(t, "localhost:9000", cfg.DocumentsS3.Endpoint)
	assert.True(t, cfg.DocumentsS3.UseSSL)

	assert.Error(t, setConfigValue(&cfg, "pool_size", "many"))
	assert.Error(t, setConfigValue(&cfg, "colour", "red"))
	assert.Error(t, setConfigValue(&cfg, "documents_s3.colour", "red"))
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	next := old
	next.LogLevel = "debug"
	next.APITokens = map[string]string{"a": "b"}
	next.DBPath = "/tmp/other.db"
	next.DocumentsS3.Bucket = "x"

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.RoutesChanged)
	assert.Equal(t, []string{"db_path", "documents_s3"}, d.RestartNeeded)

	assert.Equal(t, configDiff{}, diffConfigs(old, old))
}

func TestIsolationLimits_ScriptIdentity(t *testing.T) {
	cfg := defaultConfig()
	limits := isolationLimits(cfg)
	assert.Equal(t, uint32(isolation.NobodyID), limits.RunAsUID)
	assert.Equal(t, uint32(isolation.NobodyID), limits.RunAsGID)
	assert.Equal(t, int64(128)<<20, limits.MaxMemoryBytes)

	require.NoError(t, setConfigValue(&cfg, "script_uid", "0"))
	assert.Zero(t, isolationLimits(cfg).RunAsUID)
}
