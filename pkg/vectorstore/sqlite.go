package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

const tracerName = "docsync.vectorstore"

// SQLiteStore keeps each collection in a vec0 virtual table with cosine
// distance; payloads live in a regular table keyed by (collection, id)
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger

	mu   sync.RWMutex
	dims map[string]int
}

// NewSQLiteStore opens (or creates) a sqlite-vec database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("vector database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create vector database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS points (
			collection TEXT NOT NULL REFERENCES collections(name),
			id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger, dims: make(map[string]int)}
	if err := s.loadCollections(); err != nil {
		db.Close()
		return nil, err
	}

	var version string
	if err := db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
		logger.Info().Str("path", path).Str("sqlite_vec", version).Msg("Vector store initialized")
	}
	return s, nil
}

func (s *SQLiteStore) loadCollections() error {
	rows, err := s.db.Query("SELECT name, dimension FROM collections")
	if err != nil {
		return fmt.Errorf("failed to load collections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var dim int
		if err := rows.Scan(&name, &dim); err != nil {
			return err
		}
		s.dims[name] = dim
	}
	return rows.Err()
}

func vecTable(collection string) string {
	return "vec_" + collection
}

func (s *SQLiteStore) dimension(collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dims == nil {
		return 0, ErrClosed
	}
	dim, ok := s.dims[collection]
	if !ok {
		return 0, fmt.Errorf("%s: %w", collection, ErrCollectionNotFound)
	}
	return dim, nil
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return ingesterr.Validation("ensure collection", "dimension must be positive, got %d", dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dims == nil {
		return ingesterr.VectorStore("ensure collection", ErrClosed)
	}

	if existing, ok := s.dims[name]; ok {
		if existing != dimension {
			return ingesterr.VectorStore("ensure collection",
				fmt.Errorf("%w: collection %s has %d, requested %d", ErrDimensionMismatch, name, existing, dimension))
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.VectorStore("ensure collection", err)
	}
	defer tx.Rollback()

	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
		id TEXT PRIMARY KEY,
		embedding float[%d] distance_metric=cosine
	)`, vecTable(name), dimension)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return ingesterr.VectorStore("ensure collection", fmt.Errorf("failed to create vector table: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO collections (name, dimension, created_at) VALUES (?, ?, ?)",
		name, dimension, time.Now().UnixMilli(),
	); err != nil {
		return ingesterr.VectorStore("ensure collection", err)
	}
	if err := tx.Commit(); err != nil {
		return ingesterr.VectorStore("ensure collection", err)
	}

	s.dims[name] = dimension
	s.logger.Info().Str("collection", name).Int("dimension", dimension).Msg("Collection created")
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "vectorstore.upsert",
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	)
	defer span.End()

	err := s.upsert(ctx, collection, points)
	if err != nil {
		tracing.FailSpan(span, err, "upsert failed")
		return ingesterr.VectorStore("upsert", err)
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, collection string, points []Point) error {
	dim, err := s.dimension(collection)
	if err != nil {
		return err
	}

	table := vecTable(collection)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range points {
		if p.ID == "" {
			return errors.New("point id is required")
		}
		if err := checkDimension(dim, p.Vector); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}

		blob, err := sqlite_vec.SerializeFloat32(p.Vector)
		if err != nil {
			return fmt.Errorf("failed to serialize vector: %w", err)
		}
		meta, err := json.Marshal(p.Payload.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		ts := p.Payload.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		// vec0 tables do not support upsert clauses.
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", p.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO "+table+" (id, embedding) VALUES (?, ?)", p.ID, blob); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO points (collection, id, text, metadata, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET
				text = excluded.text, metadata = excluded.metadata, created_at = excluded.created_at`,
			collection, p.ID, p.Payload.Text, string(meta), ts.UnixMilli(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "vectorstore.query",
		attribute.String("collection", collection),
	)
	defer span.End()

	dim, err := s.dimension(collection)
	if err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}
	if err := checkDimension(dim, vector); err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, vec_distance_cosine(v.embedding, ?) AS distance, p.text, p.metadata, p.created_at
		FROM `+vecTable(collection)+` v
		JOIN points p ON p.collection = ? AND p.id = v.id
		ORDER BY distance ASC
		LIMIT ?`,
		blob, collection, limit,
	)
	if err != nil {
		tracing.FailSpan(span, err, "query failed")
		return nil, ingesterr.VectorStore("query", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m        Match
			distance float64
			meta     string
			created  int64
		)
		if err := rows.Scan(&m.ID, &distance, &m.Payload.Text, &meta, &created); err != nil {
			return nil, ingesterr.VectorStore("query", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Payload.Metadata); err != nil {
			return nil, ingesterr.VectorStore("query", fmt.Errorf("point %s metadata: %w", m.ID, err))
		}
		m.Score = 1 - distance
		m.Payload.Timestamp = time.UnixMilli(created)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}
	return matches, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "vectorstore.delete",
		attribute.String("collection", collection),
		attribute.Int("ids", len(ids)),
	)
	defer span.End()

	if _, err := s.dimension(collection); err != nil {
		return ingesterr.VectorStore("delete", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ingesterr.VectorStore("delete", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+vecTable(collection)+" WHERE id = ?", id); err != nil {
			return ingesterr.VectorStore("delete", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE collection = ? AND id = ?", collection, id); err != nil {
			return ingesterr.VectorStore("delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		tracing.FailSpan(span, err, "delete failed")
		return ingesterr.VectorStore("delete", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.dimension(collection); err != nil {
		return 0, ingesterr.VectorStore("count", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE collection = ?", collection).Scan(&n); err != nil {
		return 0, ingesterr.VectorStore("count", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	s.dims = nil
	s.mu.Unlock()
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
