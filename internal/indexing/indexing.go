package indexing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IndexKind names one of the index strategies a MultiIndexManager can
// fan an Entry out to.
type IndexKind string

const (
	IndexKindSemantic IndexKind = "semantic"
	IndexKindTemporal IndexKind = "temporal"
	IndexKindCategory IndexKind = "category"
)

// Tag is a free-form classification label attached to an Entry, used by
// CategoryIndex to group entries for filtered search.
type Tag string

// Entry is the minimal surface an indexed CRDT value needs to expose: an
// id stable enough to key an HNSW node, the HLC millis it was written at,
// an optional classification tag, and (for the semantic index) its
// embedding vector, e.g. as produced by internal/rankfusion against the
// entry's stringified value.
type Entry interface {
	ID() uuid.UUID
	TimestampMillis() int64
	Tag() Tag
	SemanticVector() []float32
}

// Index is the capability set every index strategy below satisfies,
// letting MultiIndexManager fan one Entry out to all registered indexes
// uniformly.
type Index interface {
	Add(ctx context.Context, e Entry) error
	Search(ctx context.Context, query interface{}) ([]uuid.UUID, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Rebuild(ctx context.Context) error
}

// MultiIndexManager fans Entry additions out to every registered Index
// concurrently, used when a data-frame view (Component K) needs more than
// one access pattern (semantic nearest-neighbor, time range, tag filter)
// kept in sync over the same underlying entries.
type MultiIndexManager struct {
	indexes map[IndexKind]Index
	mu      sync.RWMutex
}

// NewMultiIndexManager creates a manager with no registered indexes.
func NewMultiIndexManager() *MultiIndexManager {
	return &MultiIndexManager{
		indexes: make(map[IndexKind]Index),
	}
}

// RegisterIndex attaches index under kind, replacing any prior index
// registered under the same kind.
func (mim *MultiIndexManager) RegisterIndex(kind IndexKind, index Index) {
	mim.mu.Lock()
	defer mim.mu.Unlock()
	mim.indexes[kind] = index
}

// GetIndex returns the index registered under kind, or nil.
func (mim *MultiIndexManager) GetIndex(kind IndexKind) Index {
	mim.mu.RLock()
	defer mim.mu.RUnlock()
	return mim.indexes[kind]
}

// AddEntry adds e to every registered index concurrently, returning the
// first error encountered (if any) after all of them have finished.
func (mim *MultiIndexManager) AddEntry(ctx context.Context, e Entry) error {
	mim.mu.RLock()
	defer mim.mu.RUnlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(mim.indexes))

	for _, index := range mim.indexes {
		wg.Add(1)
		go func(idx Index) {
			defer wg.Done()
			if err := idx.Add(ctx, e); err != nil {
				errChan <- err
			}
		}(index)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return fmt.Errorf("index error: %w", err)
		}
	}

	return nil
}

// SemanticIndex implements nearest-neighbor search over entry embeddings
// via HNSWIndex (hnsw.go).
type SemanticIndex struct {
	vectors map[uuid.UUID][]float32
	hnsw    *HNSWIndex
	mu      sync.RWMutex
}

// NewSemanticIndex creates an empty index over dimension-sized vectors.
func NewSemanticIndex(dimension int) *SemanticIndex {
	return &SemanticIndex{
		vectors: make(map[uuid.UUID][]float32),
		hnsw:    NewHNSWIndex(dimension, 16, 200),
	}
}

func (si *SemanticIndex) Add(ctx context.Context, e Entry) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	si.vectors[e.ID()] = e.SemanticVector()
	return si.hnsw.Add(e.ID(), e.SemanticVector())
}

// Search expects query to be the []float32 query vector and returns up to
// 100 nearest neighbor ids.
func (si *SemanticIndex) Search(ctx context.Context, query interface{}) ([]uuid.UUID, error) {
	si.mu.RLock()
	defer si.mu.RUnlock()

	vector, ok := query.([]float32)
	if !ok {
		return nil, fmt.Errorf("invalid query type for semantic search")
	}

	return si.hnsw.Search(vector, 100)
}

func (si *SemanticIndex) Remove(ctx context.Context, id uuid.UUID) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	delete(si.vectors, id)
	return si.hnsw.Remove(id)
}

// Rebuild re-inserts every tracked vector into a fresh HNSW graph, used
// after bulk removals to shed accumulated tombstone/pruning overhead.
func (si *SemanticIndex) Rebuild(ctx context.Context) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	var dimension int
	for _, v := range si.vectors {
		dimension = len(v)
		break
	}
	si.hnsw = NewHNSWIndex(dimension, 16, 200)

	for id, vector := range si.vectors {
		if err := si.hnsw.Add(id, vector); err != nil {
			return err
		}
	}

	return nil
}

// TemporalIndex supports time-range queries over entries by HLC millis.
type TemporalIndex struct {
	timeline map[int64][]uuid.UUID
	mu       sync.RWMutex
}

// NewTemporalIndex creates an empty temporal index.
func NewTemporalIndex() *TemporalIndex {
	return &TemporalIndex{
		timeline: make(map[int64][]uuid.UUID),
	}
}

func (ti *TemporalIndex) Add(ctx context.Context, e Entry) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.timeline[e.TimestampMillis()] = append(ti.timeline[e.TimestampMillis()], e.ID())
	return nil
}

// TimeRangeQuery is the query type TemporalIndex.Search expects.
type TimeRangeQuery struct {
	StartMillis int64
	EndMillis   int64
}

func (ti *TemporalIndex) Search(ctx context.Context, query interface{}) ([]uuid.UUID, error) {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	timeRange, ok := query.(TimeRangeQuery)
	if !ok {
		return nil, fmt.Errorf("invalid query type for temporal search")
	}

	var results []uuid.UUID
	for millis, ids := range ti.timeline {
		if millis >= timeRange.StartMillis && millis <= timeRange.EndMillis {
			results = append(results, ids...)
		}
	}

	return results, nil
}

func (ti *TemporalIndex) Remove(ctx context.Context, id uuid.UUID) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	for millis, ids := range ti.timeline {
		for i, existing := range ids {
			if existing == id {
				ti.timeline[millis] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}

	return nil
}

func (ti *TemporalIndex) Rebuild(ctx context.Context) error {
	return nil
}

// CategoryIndex supports hash-based filtering of entries by Tag.
type CategoryIndex struct {
	tags map[Tag][]uuid.UUID
	mu   sync.RWMutex
}

// NewCategoryIndex creates an empty tag index.
func NewCategoryIndex() *CategoryIndex {
	return &CategoryIndex{
		tags: make(map[Tag][]uuid.UUID),
	}
}

func (ci *CategoryIndex) Add(ctx context.Context, e Entry) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	ci.tags[e.Tag()] = append(ci.tags[e.Tag()], e.ID())
	return nil
}

// Search expects query to be the Tag to filter by.
func (ci *CategoryIndex) Search(ctx context.Context, query interface{}) ([]uuid.UUID, error) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	tag, ok := query.(Tag)
	if !ok {
		return nil, fmt.Errorf("invalid query type for category search")
	}

	return ci.tags[tag], nil
}

func (ci *CategoryIndex) Remove(ctx context.Context, id uuid.UUID) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	for tag, ids := range ci.tags {
		for i, existing := range ids {
			if existing == id {
				ci.tags[tag] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}

	return nil
}

func (ci *CategoryIndex) Rebuild(ctx context.Context) error {
	return nil
}
