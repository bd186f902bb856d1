// Package embedding turns text into dense vectors.
//
// Provider implementations:
//   - OpenAIProvider calls the OpenAI embeddings endpoint
//   - HashProvider is a deterministic local provider for offline use and tests
//   - Cached wraps any provider with an in-memory LRU
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/docsync/pkg/ingesterr"
)

const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"

	DefaultModel     = "text-embedding-3-small"
	DefaultDimension = 1536
)

// Provider generates vector embeddings from text
type Provider interface {
	// EmbedQuery embeds a single search query
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments embeds texts in one call, preserving order
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Config selects and configures a provider
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Dimension int
	CacheSize int // 0 disables the cache
}

// New builds the configured provider, wrapped in a cache when CacheSize > 0
func New(cfg Config) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		p, err = NewOpenAIProvider(OpenAIConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			Dimension: cfg.Dimension,
		})
	case ProviderHash:
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		p = NewCached(p, cfg.CacheSize)
	}
	return p, nil
}

func checkInput(texts []string) error {
	if len(texts) == 0 {
		return ingesterr.Validation("embed", "no input texts")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return ingesterr.Validation("embed", "input %d is empty", i)
		}
	}
	return nil
}
