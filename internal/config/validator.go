package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("OpenAI API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateEmbeddingProvider validates the embedding provider name
func (v *Validator) ValidateEmbeddingProvider(provider string) error {
	return oneOf("embedding provider", provider, "openai", "hash")
}

// ValidateVectorBackend validates the vector store backend name
func (v *Validator) ValidateVectorBackend(backend string) error {
	return oneOf("vector store backend", backend, "sqlite", "hnsw")
}

// ValidateCron validates a five-field cron expression or descriptor
func (v *Validator) ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := v.cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

func oneOf(what, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(allowed, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Scanner.FolderConcurrency < 1 {
		errs = append(errs, fmt.Errorf("scanner.folder_concurrency must be >= 1"))
	}

	q := cfg.Queue
	if q.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be >= 1"))
	}
	if q.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be >= 1"))
	}
	if q.BackoffInitialMs < 0 {
		errs = append(errs, fmt.Errorf("queue.backoff_initial_ms must be >= 0"))
	}
	if q.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("queue.backoff_multiplier must be >= 1"))
	}
	if q.RemoveOnComplete < -1 || q.RemoveOnFail < -1 {
		errs = append(errs, fmt.Errorf("queue retention limits must be >= -1 (-1 keeps every job)"))
	}

	e := cfg.Embedding
	if err := v.ValidateEmbeddingProvider(e.Provider); err != nil {
		errs = append(errs, err)
	}
	if e.Provider == "openai" {
		if err := v.ValidateAPIKey(e.APIKey); err != nil {
			errs = append(errs, err)
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("embedding.model is required for the openai provider"))
		}
	}
	if e.Dimension < 1 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be >= 1"))
	}
	if e.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("embedding.cache_size must be >= 0"))
	}

	if err := v.ValidateVectorBackend(cfg.VectorStore.Backend); err != nil {
		errs = append(errs, err)
	}
	if cfg.VectorStore.Collection == "" {
		errs = append(errs, fmt.Errorf("vector_store.collection is required"))
	}

	if cfg.Scheduler.Enabled {
		if err := v.ValidateCron(cfg.Scheduler.ScanCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.scan_cron: %w", err))
		}
		if err := v.ValidateCron(cfg.Scheduler.ProcessCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.process_cron: %w", err))
		}
		if cfg.Scheduler.ProcessLimit < 1 {
			errs = append(errs, fmt.Errorf("scheduler.process_limit must be >= 1"))
		}
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateListenAddr(cfg.Metrics.Addr); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1) {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	return errs
}
