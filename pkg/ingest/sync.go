package ingest

import (
	"context"

	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/harun/docsync/pkg/vectorstore"
	"github.com/rs/zerolog"
)

// Synchronizer removes stale vectors on behalf of the scanner
type Synchronizer struct {
	vectors    vectorstore.Store
	collection string
	logger     zerolog.Logger
}

// NewSynchronizer creates a synchronizer for one collection
func NewSynchronizer(vectors vectorstore.Store, collection string, logger zerolog.Logger) *Synchronizer {
	if collection == "" {
		collection = vectorstore.DefaultCollection
	}
	return &Synchronizer{vectors: vectors, collection: collection, logger: logger}
}

// DeleteVector deletes one point. Errors are logged and swallowed so a
// vector store outage never blocks a scan.
func (s *Synchronizer) DeleteVector(ctx context.Context, vectorID string) {
	if vectorID == "" {
		return
	}
	err := s.vectors.Delete(ctx, s.collection, []string{vectorID})
	observability.RecordVectorDelete(err == nil)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().
			Err(err).
			Str("vector_id", vectorID).
			Msg("Failed to delete stale vector")
		return
	}
	s.logger.Debug().Str("vector_id", vectorID).Msg("Stale vector deleted")
}

var _ tracker.VectorDeleter = (*Synchronizer)(nil)
