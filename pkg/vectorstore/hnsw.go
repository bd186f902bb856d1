package vectorstore

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// HNSWStore keeps one in-memory HNSW graph per collection. When a snapshot
// path is set, every mutation rewrites the snapshot and the graphs are
// rebuilt from it on open.
type HNSWStore struct {
	mu          sync.RWMutex
	path        string
	logger      zerolog.Logger
	collections map[string]*hnswCollection
	closed      bool
}

type hnswCollection struct {
	dimension int
	graph     *hnsw.Graph[uint64]
	points    map[string]*storedPoint
	keys      map[uint64]string // graph key -> point id, live nodes only
	nextKey   uint64
}

type storedPoint struct {
	key     uint64
	vector  []float32
	payload Payload
}

// NewHNSWStore creates an HNSW store. An empty path keeps everything in
// memory only.
func NewHNSWStore(path string, logger zerolog.Logger) (*HNSWStore, error) {
	s := &HNSWStore{
		path:        path,
		logger:      logger,
		collections: make(map[string]*hnswCollection),
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Int("collections", len(s.collections)).Msg("HNSW vector store loaded")
	return s, nil
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

func newCollection(dimension int) *hnswCollection {
	return &hnswCollection{
		dimension: dimension,
		graph:     newGraph(),
		points:    make(map[string]*storedPoint),
		keys:      make(map[uint64]string),
	}
}

func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range out {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// add inserts or replaces a point. Replaced nodes stay in the graph as
// orphans (coder/hnsw misbehaves when its last node is deleted) and are
// dropped by compact.
func (c *hnswCollection) add(id string, vector []float32, payload Payload) {
	if old, ok := c.points[id]; ok {
		delete(c.keys, old.key)
	}
	key := c.nextKey
	c.nextKey++

	vec := normalized(vector)
	c.graph.Add(hnsw.MakeNode(key, vec))
	c.keys[key] = id
	c.points[id] = &storedPoint{key: key, vector: vec, payload: payload}
}

func (c *hnswCollection) remove(id string) {
	if old, ok := c.points[id]; ok {
		delete(c.keys, old.key)
		delete(c.points, id)
	}
}

func (c *hnswCollection) orphans() int {
	return c.graph.Len() - len(c.keys)
}

// compact rebuilds the graph from live points once orphans outnumber them
func (c *hnswCollection) compact() {
	if c.orphans() <= len(c.keys) {
		return
	}
	c.graph = newGraph()
	c.keys = make(map[uint64]string, len(c.points))
	c.nextKey = 0
	for id, p := range c.points {
		p.key = c.nextKey
		c.nextKey++
		c.graph.Add(hnsw.MakeNode(p.key, p.vector))
		c.keys[p.key] = id
	}
}

func (s *HNSWStore) collection(name string) (*hnswCollection, error) {
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	return c, nil
}

func (s *HNSWStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return ingesterr.Validation("ensure collection", "dimension must be positive, got %d", dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ingesterr.VectorStore("ensure collection", ErrClosed)
	}

	if c, ok := s.collections[name]; ok {
		if c.dimension != dimension {
			return ingesterr.VectorStore("ensure collection",
				fmt.Errorf("%w: collection %s has %d, requested %d", ErrDimensionMismatch, name, c.dimension, dimension))
		}
		return nil
	}

	s.collections[name] = newCollection(dimension)
	if err := s.save(); err != nil {
		delete(s.collections, name)
		return ingesterr.VectorStore("ensure collection", err)
	}
	s.logger.Info().Str("collection", name).Int("dimension", dimension).Msg("Collection created")
	return nil
}

func (s *HNSWStore) Upsert(ctx context.Context, collection string, points []Point) error {
	_, span := tracing.StartSpan(ctx, tracerName, "vectorstore.upsert",
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return ingesterr.VectorStore("upsert", err)
	}
	for _, p := range points {
		if p.ID == "" {
			return ingesterr.VectorStore("upsert", errors.New("point id is required"))
		}
		if err := checkDimension(c.dimension, p.Vector); err != nil {
			return ingesterr.VectorStore("upsert", fmt.Errorf("point %s: %w", p.ID, err))
		}
	}

	for _, p := range points {
		payload := p.Payload
		if payload.Timestamp.IsZero() {
			payload.Timestamp = time.Now()
		}
		c.add(p.ID, p.Vector, payload)
	}
	c.compact()

	if err := s.save(); err != nil {
		return ingesterr.VectorStore("upsert", err)
	}
	return nil
}

func (s *HNSWStore) Query(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error) {
	_, span := tracing.StartSpan(ctx, tracerName, "vectorstore.query",
		attribute.String("collection", collection),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}
	if err := checkDimension(c.dimension, vector); err != nil {
		return nil, ingesterr.VectorStore("query", err)
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(c.keys) == 0 {
		return []Match{}, nil
	}

	query := normalized(vector)
	// Ask for enough nodes to cover orphans that will be skipped.
	nodes := c.graph.Search(query, min(limit+c.orphans(), c.graph.Len()))

	matches := make([]Match, 0, limit)
	for _, node := range nodes {
		id, ok := c.keys[node.Key]
		if !ok {
			continue
		}
		p := c.points[id]
		matches = append(matches, Match{
			ID:      id,
			Score:   1 - float64(hnsw.CosineDistance(query, p.vector)),
			Payload: p.payload,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *HNSWStore) Delete(ctx context.Context, collection string, ids []string) error {
	_, span := tracing.StartSpan(ctx, tracerName, "vectorstore.delete",
		attribute.String("collection", collection),
		attribute.Int("ids", len(ids)),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return ingesterr.VectorStore("delete", err)
	}
	for _, id := range ids {
		c.remove(id)
	}
	c.compact()

	if err := s.save(); err != nil {
		return ingesterr.VectorStore("delete", err)
	}
	return nil
}

func (s *HNSWStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return 0, ingesterr.VectorStore("count", err)
	}
	return len(c.points), nil
}

func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.collections = nil
	return nil
}

type snapshot struct {
	Collections []collectionSnapshot
}

type collectionSnapshot struct {
	Name      string
	Dimension int
	Points    []pointSnapshot
}

// pointSnapshot keeps metadata as JSON since gob cannot encode arbitrary
// interface values without registration
type pointSnapshot struct {
	ID        string
	Vector    []float32
	Text      string
	Metadata  []byte
	Timestamp time.Time
}

// save writes the snapshot atomically (temp file + rename). Callers hold mu.
func (s *HNSWStore) save() error {
	if s.path == "" {
		return nil
	}

	var snap snapshot
	for name, c := range s.collections {
		cs := collectionSnapshot{Name: name, Dimension: c.dimension}
		for id, p := range c.points {
			meta, err := json.Marshal(p.payload.Metadata)
			if err != nil {
				return fmt.Errorf("point %s metadata: %w", id, err)
			}
			cs.Points = append(cs.Points, pointSnapshot{
				ID:        id,
				Vector:    p.vector,
				Text:      p.payload.Text,
				Metadata:  meta,
				Timestamp: p.payload.Timestamp,
			})
		}
		snap.Collections = append(snap.Collections, cs)
	}

	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(&snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (s *HNSWStore) load() error {
	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	var snap snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for _, cs := range snap.Collections {
		c := newCollection(cs.Dimension)
		for _, ps := range cs.Points {
			var meta map[string]any
			if err := json.Unmarshal(ps.Metadata, &meta); err != nil {
				return fmt.Errorf("point %s metadata: %w", ps.ID, err)
			}
			c.add(ps.ID, ps.Vector, Payload{Text: ps.Text, Metadata: meta, Timestamp: ps.Timestamp})
		}
		s.collections[cs.Name] = c
	}
	return nil
}

var _ Store = (*HNSWStore)(nil)
