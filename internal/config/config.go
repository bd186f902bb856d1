package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// Config represents the main docsync configuration
type Config struct {
	// Data directory holding the tracking database, queue and vectors
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Scanner     ScannerConfig     `json:"scanner" mapstructure:"scanner"`
	Queue       QueueConfig       `json:"queue" mapstructure:"queue"`
	Embedding   EmbeddingConfig   `json:"embedding" mapstructure:"embedding"`
	VectorStore VectorStoreConfig `json:"vector_store" mapstructure:"vector_store"`
	Scheduler   SchedulerConfig   `json:"scheduler" mapstructure:"scheduler"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
	Audit       AuditConfig       `json:"audit" mapstructure:"audit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// StoreConfig holds the metadata store location
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ScannerConfig holds folder scan settings
type ScannerConfig struct {
	FolderConcurrency int `json:"folder_concurrency" mapstructure:"folder_concurrency"`
}

// QueueConfig holds job queue and worker pool settings
type QueueConfig struct {
	Path              string  `json:"path" mapstructure:"path"`
	Concurrency       int     `json:"concurrency" mapstructure:"concurrency"`
	MaxAttempts       int     `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffInitialMs  int     `json:"backoff_initial_ms" mapstructure:"backoff_initial_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	RemoveOnComplete  int     `json:"remove_on_complete" mapstructure:"remove_on_complete"`
	RemoveOnFail      int     `json:"remove_on_fail" mapstructure:"remove_on_fail"`
	PollIntervalMs    int     `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, hash
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	CacheSize int    `json:"cache_size" mapstructure:"cache_size"` // 0 disables the query cache
}

// VectorStoreConfig holds vector store settings
type VectorStoreConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // sqlite, hnsw
	Path       string `json:"path" mapstructure:"path"`
	Collection string `json:"collection" mapstructure:"collection"`
}

// SchedulerConfig holds the periodic scan and process schedules
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	ScanCron     string `json:"scan_cron" mapstructure:"scan_cron"`
	ProcessCron  string `json:"process_cron" mapstructure:"process_cron"`
	ProcessLimit int    `json:"process_limit" mapstructure:"process_limit"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AuditConfig holds the audit trail settings
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Scanner: ScannerConfig{
			FolderConcurrency: 4,
		},
		Queue: QueueConfig{
			Concurrency:       5,
			MaxAttempts:       3,
			BackoffInitialMs:  1000,
			BackoffMultiplier: 2,
			RemoveOnComplete:  100,
			RemoveOnFail:      500,
			PollIntervalMs:    500,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			CacheSize: 1000,
		},
		VectorStore: VectorStoreConfig{
			Backend:    "sqlite",
			Collection: "documents",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			ScanCron:     "*/5 * * * *",
			ProcessCron:  "*/1 * * * *",
			ProcessLimit: 50,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "docsync",
			SampleRatio: 1.0,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// ApplyDataDir fills every empty path with its default under dataDir
func (c *Config) ApplyDataDir(dataDir string) {
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "docsync.log")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "tracking.db")
	}
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.DataDir, "queue")
	}
	if c.VectorStore.Path == "" {
		c.VectorStore.Path = filepath.Join(c.DataDir, "vectors.db")
	}
	if c.Audit.File == "" {
		c.Audit.File = filepath.Join(c.DataDir, "audit.log")
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Embedding.APIKey != "" {
		masked.Embedding.APIKey = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
