package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigParsesDurations(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfigFile(t, `{
		"listenAddr": ":9090",
		"databasePath": "/tmp/axion.db",
		"cacheDuration": "15m",
		"importRefreshInterval": "6h",
		"streamTimeout": "5s",
		"sortField": "category",
		"sortDirection": "desc",
		"logLevel": "DEBUG"
	}`)

	cfg := LoadConfig(path)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "/tmp/axion.db", cfg.DatabasePath)
	require.Equal(t, 15*time.Minute, cfg.CacheDuration)
	require.Equal(t, 6*time.Hour, cfg.ImportRefreshInterval)
	require.Equal(t, 5*time.Second, cfg.StreamTimeout)
	require.Equal(t, "category", cfg.SortField)
	require.Equal(t, "desc", cfg.SortDirection)
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoadConfigIsCached(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfigFile(t, `{"listenAddr": ":9090"}`)
	first := LoadConfig(path)
	second := LoadConfig("ignored-because-cached.json")
	require.Same(t, first, second)
}

func TestValidateFillsBadValues(t *testing.T) {
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	path := writeConfigFile(t, `{
		"workerThreads": -3,
		"sortField": "bogus",
		"sortDirection": "sideways"
	}`)

	cfg := LoadConfig(path)
	def := GetDefaultConfig()
	require.Equal(t, def.WorkerThreads, cfg.WorkerThreads)
	require.Equal(t, def.SortField, cfg.SortField)
	require.Equal(t, def.SortDirection, cfg.SortDirection)
	require.Equal(t, def.StreamTimeout, cfg.StreamTimeout)
}
