package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/docsync/internal/config"
	"github.com/harun/docsync/internal/logger"
	"github.com/harun/docsync/pkg/embedding"
	"github.com/harun/docsync/pkg/ingest"
	"github.com/harun/docsync/pkg/parser"
	"github.com/harun/docsync/pkg/queue"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/harun/docsync/pkg/vectorstore"
)

// Components is the set of ingestion modules opened on one data directory.
// The daemon runs them continuously; one-shot CLI commands open them, do
// their work and close them again.
type Components struct {
	Store    *tracker.Store
	Queue    *queue.Queue
	Parsers  *parser.Registry
	Embedder embedding.Provider
	Vectors  vectorstore.Store
	Ingest   *ingest.Service
	Scanner  *tracker.Scanner

	lock   *DataDirLock
	logger *logger.Logger
	closed bool
}

// OpenComponents locks the data directory and opens every module in
// dependency order. On failure everything opened so far is closed again.
func OpenComponents(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *Components, err error) {
	c := &Components{
		lock:   NewDataDirLock(cfg.DataDir),
		logger: log,
	}
	if err := c.lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Store, err = tracker.NewStore(tracker.Config{
		DBPath: cfg.Store.Path,
		Logger: log.Component("tracker"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	log.Debug().Str("path", cfg.Store.Path).Msg("Metadata store opened")

	c.Queue, err = queue.Open(queue.Config{
		Path:        cfg.Queue.Path,
		Logger:      log.Component("queue"),
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.Backoff{
			Initial:    time.Duration(cfg.Queue.BackoffInitialMs) * time.Millisecond,
			Multiplier: cfg.Queue.BackoffMultiplier,
		},
		RemoveOnComplete: cfg.Queue.RemoveOnComplete,
		RemoveOnFail:     cfg.Queue.RemoveOnFail,
		PollInterval:     time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	log.Debug().Str("path", cfg.Queue.Path).Int("concurrency", c.Queue.Concurrency()).Msg("Job queue opened")

	c.Embedder, err = embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	c.Vectors, err = vectorstore.Open(vectorstore.Config{
		Backend: cfg.VectorStore.Backend,
		Path:    cfg.VectorStore.Path,
		Logger:  log.Component("vectorstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	c.Parsers = parser.NewRegistry()
	c.Ingest, err = ingest.NewService(ctx, ingest.Config{
		Queue:      c.Queue,
		Store:      c.Store,
		Parsers:    c.Parsers,
		Embedder:   c.Embedder,
		Vectors:    c.Vectors,
		Collection: cfg.VectorStore.Collection,
		Logger:     log.Component("ingest"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion service: %w", err)
	}

	c.Scanner, err = tracker.NewScanner(tracker.ScannerConfig{
		Store:             c.Store,
		Deleter:           c.Ingest.Synchronizer(),
		Logger:            log.Component("scanner"),
		FolderConcurrency: cfg.Scanner.FolderConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	log.Info().
		Str("embedding_model", c.Embedder.Model()).
		Int("dimension", c.Embedder.Dimension()).
		Str("vector_backend", cfg.VectorStore.Backend).
		Msg("Ingestion components ready")

	return c, nil
}

// Close closes the modules in reverse order and releases the data
// directory. Workers started with Ingest.Run must have returned.
func (c *Components) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error

	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close job queue: %w", err))
		}
	}
	if c.Vectors != nil {
		if err := c.Vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vector store: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metadata store: %w", err))
		}
	}
	if err := c.lock.Release(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
