package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Queue.Concurrency)
		assert.Equal(t, filepath.Dir(configPath), cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "tracking.db"), cfg.Store.Path)
	})

	t.Run("file values overlay defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		dataDir := filepath.Join(tmpDir, "data")

		testConfig := `{
			"data_dir": "` + dataDir + `",
			"queue": {"concurrency": 2},
			"embedding": {"provider": "hash", "dimension": 64},
			"vector_store": {"backend": "hnsw"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, dataDir, cfg.DataDir)
		assert.Equal(t, 2, cfg.Queue.Concurrency)
		assert.Equal(t, 3, cfg.Queue.MaxAttempts)
		assert.Equal(t, "hash", cfg.Embedding.Provider)
		assert.Equal(t, 64, cfg.Embedding.Dimension)
		assert.Equal(t, "hnsw", cfg.VectorStore.Backend)
		assert.Equal(t, filepath.Join(dataDir, "queue"), cfg.Queue.Path)
	})

	t.Run("environment overrides", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"queue": {"concurrency": 2}}`), 0644))

		t.Setenv("DOCSYNC_QUEUE_CONCURRENCY", "7")
		t.Setenv("DOCSYNC_EMBEDDING_API_KEY", "sk-from-env")
		t.Setenv("DOCSYNC_SCHEDULER_SCAN_CRON", "@hourly")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Queue.Concurrency)
		assert.Equal(t, "sk-from-env", cfg.Embedding.APIKey)
		assert.Equal(t, "@hourly", cfg.Scheduler.ScanCron)
	})

	t.Run("OPENAI_API_KEY fallback", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		t.Setenv("OPENAI_API_KEY", "sk-conventional")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-conventional", cfg.Embedding.APIKey)
	})

	t.Run("malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{not json`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "docsync.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Embedding.Provider = "hash"
	cfg.Queue.MaxAttempts = 4
	cfg.Scheduler.ProcessCron = "@every 30s"
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "hash", loaded.Embedding.Provider)
	assert.Equal(t, 4, loaded.Queue.MaxAttempts)
	assert.Equal(t, "@every 30s", loaded.Scheduler.ProcessCron)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		assert.Equal(t, "/etc/docsync.json", NewLoader("/etc/docsync.json").GetConfigPath())
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("DOCSYNC_CONFIG", "/tmp/from-env.json")
		assert.Equal(t, "/tmp/from-env.json", NewLoader("").GetConfigPath())
	})

	t.Run("home default", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		t.Setenv("DOCSYNC_CONFIG", "")
		assert.Equal(t, filepath.Join(home, ".docsync", "docsync.json"), NewLoader("").GetConfigPath())
	})
}
