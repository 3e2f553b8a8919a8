package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// HNSWStore implements VectorStore using the coder/hnsw pure Go HNSW
// graph. Exactly one vector is held per chunk id; payloads are stored
// alongside and returned opaque on query.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	// ID mapping (string <-> uint64)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	payloads map[string]map[string]any

	closed bool
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the fixed vector dimension; upserts with a
	// mismatched length fail.
	Dimensions int

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// hnswMetadata stores ID mappings and payloads for persistence.
// Payloads are kept as JSON blobs so arbitrary payload value types
// survive the gob round-trip.
type hnswMetadata struct {
	IDMap    map[string]uint64
	NextKey  uint64
	Config   VectorStoreConfig
	Payloads map[string][]byte
}

// NewHNSWStore creates a new HNSW-backed vector store with a fixed
// dimension.
func NewHNSWStore(cfg VectorStoreConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, ragerr.StoreError(ragerr.ErrCodeInvalidInput,
			fmt.Sprintf("vector store dimension must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:    graph,
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]map[string]any),
	}, nil
}

// Upsert inserts vectors with their payloads. The batch is atomic: every
// id and vector is validated before the graph is touched, so either all
// ids land or none do. Upserting an existing id replaces it.
func (s *HNSWStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error {
	if err := ctx.Err(); err != nil {
		return ragerr.Cancelled(err)
	}
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return ragerr.StoreError(ragerr.ErrCodeInvalidInput,
			fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors)), nil)
	}
	if payloads != nil && len(payloads) != len(ids) {
		return ragerr.StoreError(ragerr.ErrCodeInvalidInput,
			fmt.Sprintf("ids and payloads length mismatch: %d vs %d", len(ids), len(payloads)), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "store is closed", nil)
	}

	// Validate the whole batch before mutating anything.
	for i, id := range ids {
		if !ValidateID(id) {
			return ragerr.StoreError(ragerr.ErrCodeInvalidID,
				fmt.Sprintf("invalid vector id %q", id), nil)
		}
		if len(vectors[i]) != s.config.Dimensions {
			return ragerr.StoreError(ragerr.ErrCodeDimensionMismatch,
				ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vectors[i])}.Error(), nil)
		}
	}

	for i, id := range ids {
		// Lazy deletion on replace: orphan the old graph node rather
		// than deleting it, which coder/hnsw handles poorly for the
		// last node.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeVectorInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[id] = key
		s.keyMap[key] = id
		if payloads != nil {
			s.payloads[id] = payloads[i]
		}
	}

	return nil
}

// Query finds the k nearest neighbours to the query vector by cosine
// similarity, descending. Ties break by id ascending.
func (s *HNSWStore) Query(ctx context.Context, vector []float32, k int) ([]*VectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ragerr.Cancelled(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ragerr.StoreError(ragerr.ErrCodeStoreFailed, "store is closed", nil)
	}
	if len(vector) != s.config.Dimensions {
		return nil, ragerr.StoreError(ragerr.ErrCodeDimensionMismatch,
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vector)}.Error(), nil)
	}
	if s.graph.Len() == 0 || k <= 0 {
		return []*VectorResult{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeVectorInPlace(query)

	// Over-fetch to compensate for lazily deleted orphans still in the
	// graph.
	orphans := s.graph.Len() - len(s.idMap)
	nodes := s.graph.Search(query, k+orphans)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}

		distance := s.graph.Distance(query, node.Value)
		results = append(results, &VectorResult{
			ID:      id,
			Score:   1.0 - distance,
			Payload: s.payloads[id],
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes vectors by id. Uses lazy deletion: mappings and
// payloads go away, the graph node is orphaned.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return ragerr.Cancelled(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "store is closed", nil)
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
		}
	}

	return nil
}

// Count returns the number of live vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// Contains checks if id exists.
func (s *HNSWStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.idMap[id]
	return exists
}

// Dimensions returns the configured vector dimension.
func (s *HNSWStore) Dimensions() int {
	return s.config.Dimensions
}

// Save persists the graph and its metadata sidecar atomically.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "store is closed", nil)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, fmt.Sprintf("create directory %s", dir), err)
	}

	unlock, err := lockIndexDir(dir)
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "lock index directory", err)
	}
	defer unlock()

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "create vector file", err)
	}

	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "export graph", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "close vector file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "rename vector file", err)
	}

	if err := s.saveMetadata(path + ".meta"); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "save vector metadata", err)
	}

	return nil
}

func (s *HNSWStore) saveMetadata(path string) error {
	meta := hnswMetadata{
		IDMap:    s.idMap,
		NextKey:  s.nextKey,
		Config:   s.config,
		Payloads: make(map[string][]byte, len(s.payloads)),
	}
	for id, p := range s.payloads {
		blob, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload for %s: %w", id, err)
		}
		meta.Payloads[id] = blob
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// Load restores the graph and metadata written by Save.
func (s *HNSWStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "store is closed", nil)
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "load vector metadata", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, fmt.Sprintf("open %s", path), err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreFailed, "import graph", err)
	}

	return nil
}

func (s *HNSWStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode hnsw metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}

	s.payloads = make(map[string]map[string]any, len(meta.Payloads))
	for id, blob := range meta.Payloads {
		var p map[string]any
		if err := json.Unmarshal(blob, &p); err != nil {
			return fmt.Errorf("decode payload for %s: %w", id, err)
		}
		s.payloads[id] = p
	}

	return nil
}

// Close releases resources.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.graph = nil
	return nil
}

// Verify interface implementation
var _ VectorStore = (*HNSWStore)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
