package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// JobIDKey is the context key for the ingestion job being executed
	JobIDKey ContextKey = "job_id"
	// FileIDKey is the context key for the tracked file a job targets
	FileIDKey ContextKey = "file_id"
	// FolderIDKey is the context key for the folder being scanned
	FolderIDKey ContextKey = "folder_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID  string
	JobID    string
	FileID   string
	FolderID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithFileID adds a tracked file ID to the context
func WithFileID(ctx context.Context, fileID string) context.Context {
	return context.WithValue(ctx, FileIDKey, fileID)
}

// WithFolderID adds a folder ID to the context
func WithFolderID(ctx context.Context, folderID string) context.Context {
	return context.WithValue(ctx, FolderIDKey, folderID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	return getString(ctx, JobIDKey)
}

// GetFileID retrieves the tracked file ID from the context
func GetFileID(ctx context.Context) string {
	return getString(ctx, FileIDKey)
}

// GetFolderID retrieves the folder ID from the context
func GetFolderID(ctx context.Context) string {
	return getString(ctx, FolderIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		JobID:    GetJobID(ctx),
		FileID:   GetFileID(ctx),
		FolderID: GetFolderID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.JobID != "" {
		ctx = WithJobID(ctx, tc.JobID)
	}
	if tc.FileID != "" {
		ctx = WithFileID(ctx, tc.FileID)
	}
	if tc.FolderID != "" {
		ctx = WithFolderID(ctx, tc.FolderID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
