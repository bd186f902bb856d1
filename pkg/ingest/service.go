package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/embedding"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/harun/docsync/pkg/parser"
	"github.com/harun/docsync/pkg/queue"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/harun/docsync/pkg/vectorstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "docsync.ingest"

	// SourceMonitoredFolder marks jobs created from tracked files
	SourceMonitoredFolder = "monitored-folder"

	defaultProcessLimit = 50
	defaultSearchLimit  = 10
)

// Service wires the job queue to the parse, embed and store steps
type Service struct {
	queue      *queue.Queue
	store      *tracker.Store
	parsers    *parser.Registry
	embedder   embedding.Provider
	vectors    vectorstore.Store
	collection string
	logger     zerolog.Logger
}

// Config holds ingestion service configuration
type Config struct {
	Queue    *queue.Queue
	Store    *tracker.Store // Optional, required for tracked files
	Parsers  *parser.Registry
	Embedder embedding.Provider
	Vectors  vectorstore.Store
	// Collection defaults to vectorstore.DefaultCollection
	Collection string
	Logger     zerolog.Logger
}

// FileOptions control a file ingestion job
type FileOptions struct {
	// DeleteAfterProcessing removes the file once the job is terminal
	DeleteAfterProcessing bool
	// FileID links the job to a tracked file
	FileID string
	// ClaimID is the tracked file claim the job records its outcome under
	ClaimID string
}

// NewService creates the service, makes sure the vector collection exists
// and registers the terminal callback on the queue
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.Vectors == nil {
		return nil, errors.New("vector store is required")
	}
	if cfg.Parsers == nil {
		cfg.Parsers = parser.NewRegistry()
	}
	if cfg.Collection == "" {
		cfg.Collection = vectorstore.DefaultCollection
	}

	if err := cfg.Vectors.EnsureCollection(ctx, cfg.Collection, cfg.Embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare collection %s: %w", cfg.Collection, err)
	}

	s := &Service{
		queue:      cfg.Queue,
		store:      cfg.Store,
		parsers:    cfg.Parsers,
		embedder:   cfg.Embedder,
		vectors:    cfg.Vectors,
		collection: cfg.Collection,
		logger:     cfg.Logger,
	}
	cfg.Queue.OnTerminal(s.onTerminal)
	return s, nil
}

// Run processes jobs until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	return s.queue.Run(ctx, s.handle)
}

// EnqueueTextIngestion queues raw text and returns the job id
func (s *Service) EnqueueTextIngestion(ctx context.Context, text string, metadata map[string]any) (string, error) {
	job, err := s.queue.Enqueue(ctx, queue.NewTextPayload(text, metadata), nil)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueFileIngestion queues a file and returns the job id. The file type
// is checked when the job runs, so an unsupported type fails the job.
func (s *Service) EnqueueFileIngestion(ctx context.Context, filePath, fileType, filename string, metadata map[string]any, opts FileOptions) (string, error) {
	job, err := s.queue.Enqueue(ctx, queue.NewFilePayload(queue.FilePayload{
		FilePath:              filePath,
		FileType:              fileType,
		Filename:              filename,
		Metadata:              metadata,
		DeleteAfterProcessing: opts.DeleteAfterProcessing,
		FileID:                opts.FileID,
		ClaimID:               opts.ClaimID,
	}), nil)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// ProcessPendingFiles claims up to limit pending tracked files and enqueues
// a job for each. A file whose claim fails already has a job and is skipped;
// a file that cannot be enqueued is marked Error. Metadata store failures
// abort and are returned with the count queued so far.
func (s *Service) ProcessPendingFiles(ctx context.Context, limit int) (int, error) {
	if s.store == nil {
		return 0, errors.New("metadata store is not configured")
	}
	if limit <= 0 {
		limit = defaultProcessLimit
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.process_pending",
		attribute.Int("limit", limit),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	files, err := s.store.GetPendingFiles(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	queued := 0
	for _, f := range files {
		claimID := uuid.NewString()
		claimed, err := s.store.ClaimForProcessing(ctx, f.ID, claimID)
		if err != nil {
			span.RecordError(err)
			return queued, err
		}
		if !claimed {
			logger.Debug().Str("file_id", f.ID).Msg("File already claimed, skipping")
			continue
		}

		_, err = s.EnqueueFileIngestion(ctx, f.FilePath, f.FileType(), f.FileName,
			map[string]any{
				"fileId": f.ID,
				"source": SourceMonitoredFolder,
			},
			FileOptions{FileID: f.ID, ClaimID: claimID},
		)
		if err != nil {
			logger.Error().Err(err).Str("file", f.FilePath).Msg("Failed to enqueue file")
			if markErr := s.store.MarkFileAsError(ctx, f.ID, claimID, fmt.Sprintf("enqueue failed: %v", err)); markErr != nil {
				span.RecordError(markErr)
				return queued, markErr
			}
			continue
		}
		queued++
	}

	span.SetAttributes(attribute.Int("queued", queued))
	if queued > 0 {
		logger.Info().Int("queued", queued).Int("pending", len(files)).Msg("Queued pending files")
	}
	return queued, nil
}

// Search embeds query and returns the closest stored documents
func (s *Service) Search(ctx context.Context, query string, limit int) ([]vectorstore.Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ingesterr.Validation("search", "query is required")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.search",
		attribute.Int("limit", limit),
	)
	defer span.End()

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.vectors.Query(ctx, s.collection, vector, limit)
}

// Synchronizer returns a vector deleter bound to the service collection
func (s *Service) Synchronizer() *Synchronizer {
	return NewSynchronizer(s.vectors, s.collection, s.logger)
}
