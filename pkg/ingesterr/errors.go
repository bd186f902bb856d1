// Package ingesterr defines the error taxonomy shared by the tracker, queue and
// ingestion packages.
//
// Every error that crosses a component boundary is wrapped in an *Error carrying
// a Kind. The queue uses Retryable to decide between a backoff retry and an
// immediate terminal failure.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error
type Kind string

const (
	// KindValidation marks a malformed ingestion request
	KindValidation Kind = "VALIDATION_ERROR"
	// KindUnsupportedFileType marks a file the parser registry cannot handle
	KindUnsupportedFileType Kind = "UNSUPPORTED_FILE_TYPE"
	// KindTransientIO marks a filesystem or network hiccup
	KindTransientIO Kind = "TRANSIENT_IO_ERROR"
	// KindVectorStore marks a vector store failure
	KindVectorStore Kind = "VECTOR_STORE_ERROR"
	// KindMetadataStore marks a metadata store failure
	KindMetadataStore Kind = "METADATA_STORE_ERROR"
)

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and the failing operation
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a message
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// UnsupportedFileType builds the error returned for an unknown extension
func UnsupportedFileType(fileType string) error {
	return &Error{Kind: KindUnsupportedFileType, Op: "parse", Err: fmt.Errorf("unsupported file type: %s", fileType)}
}

// Transient wraps err as a transient I/O error
func Transient(op string, err error) error {
	return New(KindTransientIO, op, err)
}

// VectorStore wraps err as a vector store error
func VectorStore(op string, err error) error {
	return New(KindVectorStore, op, err)
}

// MetadataStore wraps err as a metadata store error
func MetadataStore(op string, err error) error {
	return New(KindMetadataStore, op, err)
}

// KindOf returns the kind of the outermost classified error, or "" if err is
// not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failed job step may be retried with backoff.
// Validation and unsupported file type errors can never succeed on a retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindUnsupportedFileType:
		return false
	default:
		return true
	}
}
