// Package vectorstore stores document embeddings with their payloads and
// answers nearest-neighbour queries by cosine similarity.
//
// Two backends are provided: SQLiteStore persists to a sqlite-vec database
// and HNSWStore keeps an in-memory HNSW graph with an optional snapshot file.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/rs/zerolog"
)

const (
	BackendSQLite = "sqlite"
	BackendHNSW   = "hnsw"

	DefaultCollection = "documents"
	defaultQueryLimit = 10
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
	ErrClosed             = errors.New("vector store is closed")
)

// Payload is the document data stored next to a vector
type Payload struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Point is one vector with its id and payload
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Match is a query hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// Store is a collection-scoped vector index
type Store interface {
	// EnsureCollection creates the collection if missing. An existing
	// collection with another dimension is an error.
	EnsureCollection(ctx context.Context, name string, dimension int) error
	// Upsert inserts points, replacing any with the same id
	Upsert(ctx context.Context, collection string, points []Point) error
	// Query returns up to limit points ordered by descending score
	Query(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error)
	// Delete removes points by id. Unknown ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend string
	Path    string // Database file (sqlite) or snapshot file (hnsw, optional)
	Logger  zerolog.Logger
}

// Open returns the configured backend
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		return NewSQLiteStore(cfg.Path, cfg.Logger)
	case BackendHNSW:
		return NewHNSWStore(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func validateCollection(name string) error {
	if !collectionNameRe.MatchString(name) {
		return ingesterr.Validation("vector store", "invalid collection name %q", name)
	}
	return nil
}

func checkDimension(want int, vec []float32) error {
	if len(vec) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(vec))
	}
	return nil
}
