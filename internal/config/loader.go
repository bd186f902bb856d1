package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "DOCSYNC"
	configDirName  = ".docsync"
	configFileName = "docsync.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, overlays DOCSYNC_* environment variables and
// fills default paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := l.newViper(configPath)

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The conventional variable wins only when nothing else set a key.
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(configPath)
	}
	cfg.ApplyDataDir(dataDir)

	return cfg, nil
}

// newViper binds every config key to its DOCSYNC_* variable so environment
// overrides apply even when the file omits the key.
func (l *Loader) newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var configKeys = []string{
	"data_dir",
	"logging.level", "logging.file",
	"store.path",
	"scanner.folder_concurrency",
	"queue.path", "queue.concurrency", "queue.max_attempts",
	"queue.backoff_initial_ms", "queue.backoff_multiplier",
	"queue.remove_on_complete", "queue.remove_on_fail", "queue.poll_interval_ms",
	"embedding.provider", "embedding.model", "embedding.api_key",
	"embedding.base_url", "embedding.dimension", "embedding.cache_size",
	"vector_store.backend", "vector_store.path", "vector_store.collection",
	"scheduler.enabled", "scheduler.scan_cron", "scheduler.process_cron", "scheduler.process_limit",
	"metrics.enabled", "metrics.addr",
	"tracing.enabled", "tracing.service_name", "tracing.sample_ratio",
	"audit.enabled", "audit.file",
}

// Save writes cfg to the config path as JSON
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("store", cfg.Store)
	v.Set("scanner", cfg.Scanner)
	v.Set("queue", cfg.Queue)
	v.Set("embedding", cfg.Embedding)
	v.Set("vector_store", cfg.VectorStore)
	v.Set("scheduler", cfg.Scheduler)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("audit", cfg.Audit)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// The file may hold an API key.
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
