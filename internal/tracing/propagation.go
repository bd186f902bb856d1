package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToJob derives the context a worker uses to run one job. The trace
// ID of the enqueuing caller is kept when known, otherwise a new one starts.
func PropagateToJob(ctx context.Context, traceID, jobID, fileID string) context.Context {
	if traceID == "" {
		traceID = GetTraceID(ctx)
	}
	if traceID == "" {
		traceID = NewTraceID()
	}

	ctx = WithTraceID(ctx, traceID)
	ctx = WithJobID(ctx, jobID)
	if fileID != "" {
		ctx = WithFileID(ctx, fileID)
	}
	return ctx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.JobID != "" {
		logger = logger.With().Str("job_id", tc.JobID).Logger()
	}
	if tc.FileID != "" {
		logger = logger.With().Str("file_id", tc.FileID).Logger()
	}
	if tc.FolderID != "" {
		logger = logger.With().Str("folder_id", tc.FolderID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// DetachContext keeps the values of ctx (trace ids and the active span) but
// drops its deadline and cancellation. Terminal bookkeeping uses it so a
// shutdown does not abort a metadata write halfway.
func DetachContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
