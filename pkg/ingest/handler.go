package ingest

import (
	"context"
	"errors"
	"maps"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/harun/docsync/pkg/queue"
	"github.com/harun/docsync/pkg/tracker"
	"github.com/harun/docsync/pkg/vectorstore"
	"go.opentelemetry.io/otel/attribute"
)

// MetaOriginalFilename is the payload metadata key for the source file name
const MetaOriginalFilename = "originalFilename"

// handle runs one attempt of a job: resolve text, embed, upsert
func (s *Service) handle(ctx context.Context, job *queue.Job, progress queue.Progress) (*queue.Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.handle",
		attribute.String("job_id", job.ID),
		attribute.String("kind", string(job.Kind())),
		attribute.Int("attempt", job.Attempts),
	)
	defer span.End()

	result, err := s.ingest(ctx, job, progress)
	if err != nil {
		tracing.FailSpan(span, err, "ingest failed")
		return nil, err
	}
	return result, nil
}

func (s *Service) ingest(ctx context.Context, job *queue.Job, progress queue.Progress) (*queue.Result, error) {
	if err := progress.Report(0); err != nil {
		return nil, ingesterr.Transient("report progress", err)
	}

	text, metadata, err := s.resolve(ctx, job.Payload)
	if err != nil {
		return nil, err
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) != s.embedder.Dimension() {
		return nil, ingesterr.Transient("embed", errors.New("provider returned an unexpected embedding shape"))
	}

	pointID := uuid.NewString()
	err = s.vectors.Upsert(ctx, s.collection, []vectorstore.Point{{
		ID:     pointID,
		Vector: vectors[0],
		Payload: vectorstore.Payload{
			Text:      text,
			Metadata:  metadata,
			Timestamp: time.Now().UTC(),
		},
	}})
	observability.RecordVectorUpsert(err == nil)
	if err != nil {
		return nil, err
	}

	// The point is stored; from here on the attempt must succeed.
	logger := tracing.LoggerFromContext(ctx, s.logger)
	if err := progress.Report(100); err != nil {
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to report final progress")
	}

	logger.Debug().
		Str("point_id", pointID).
		Int("chars", len(text)).
		Msg("Document stored")

	return &queue.Result{ID: pointID, Success: true}, nil
}

// resolve returns the text to embed and the metadata stored with it. For
// files the parser metadata is overlaid by the job metadata, and the file
// name is recorded as originalFilename.
func (s *Service) resolve(ctx context.Context, payload queue.Payload) (string, map[string]any, error) {
	switch payload.Kind {
	case queue.KindText:
		if payload.Text == nil {
			return "", nil, ingesterr.Validation("resolve text", "text payload is missing")
		}
		metadata := make(map[string]any, len(payload.Text.Metadata))
		maps.Copy(metadata, payload.Text.Metadata)
		return payload.Text.Text, metadata, nil

	case queue.KindFile:
		f := payload.File
		if f == nil {
			return "", nil, ingesterr.Validation("resolve file", "file payload is missing")
		}
		doc, err := s.parsers.ParseFile(ctx, f.FilePath, f.FileType)
		if err != nil {
			return "", nil, err
		}

		metadata := make(map[string]any, len(doc.Metadata)+len(f.Metadata)+1)
		maps.Copy(metadata, doc.Metadata)
		maps.Copy(metadata, f.Metadata)
		if f.Filename != "" {
			metadata[MetaOriginalFilename] = f.Filename
		}
		return doc.Text, metadata, nil

	default:
		return "", nil, ingesterr.Validation("resolve", "unknown job kind %q", payload.Kind)
	}
}

// onTerminal writes a job outcome back to its tracked file and removes the
// source file when asked to. It runs once per terminal job and never for
// intermediate retries.
func (s *Service) onTerminal(ctx context.Context, job *queue.Job, runErr error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	f := job.Payload.File

	if f != nil && f.DeleteAfterProcessing {
		if err := os.Remove(f.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("file", f.FilePath).Msg("Failed to remove processed file")
		}
	}

	fileID := job.Payload.FileID()
	if fileID != "" {
		if s.store == nil {
			logger.Warn().Str("file_id", fileID).Msg("No metadata store, job outcome not recorded")
		} else if err := s.recordOutcome(ctx, fileID, job, runErr); err != nil {
			logger.Error().Err(err).Str("file_id", fileID).Msg("Failed to record job outcome on tracked file")
		}
	}

	status := "success"
	meta := map[string]interface{}{
		"kind":     string(job.Kind()),
		"attempts": job.Attempts,
	}
	if fileID != "" {
		meta["file_id"] = fileID
	}
	if runErr != nil {
		status = "failure"
		meta["error"] = runErr.Error()
	} else if job.Result != nil {
		meta["point_id"] = job.Result.ID
	}
	observability.RecordJobAudit(ctx, job.ID, status, meta)
}

// recordOutcome writes the job outcome under the job's claim. When the claim
// was lost the file has changed or been handed to another job, so the outcome
// is dropped and a vector stored for it is deleted.
func (s *Service) recordOutcome(ctx context.Context, fileID string, job *queue.Job, runErr error) error {
	claimID := job.Payload.File.ClaimID
	if runErr != nil {
		err := s.store.MarkFileAsError(ctx, fileID, claimID, runErr.Error())
		if errors.Is(err, tracker.ErrClaimLost) {
			s.logger.Debug().Str("file_id", fileID).Str("job_id", job.ID).Msg("Stale job failure dropped")
			return nil
		}
		return err
	}

	pointID := ""
	if job.Result != nil {
		pointID = job.Result.ID
	}
	err := s.store.MarkFileAsProcessed(ctx, fileID, claimID, pointID)
	if errors.Is(err, tracker.ErrClaimLost) || errors.Is(err, tracker.ErrNotFound) {
		s.Synchronizer().DeleteVector(ctx, pointID)
		s.logger.Info().
			Str("file_id", fileID).
			Str("job_id", job.ID).
			Str("point_id", pointID).
			Msg("File changed while processing, result discarded")
		return nil
	}
	return err
}
