// Package rankfusion implements §4.2's pluggable search ranking: a
// Reciprocal Rank Fusion of a lexical signal (TF-IDF cosine similarity)
// and a semantic signal (HNSW nearest-neighbor search over LSA-reduced
// embeddings), plus opaque pagination cursors over a ranked result set.
// Ranker satisfies internal/coordinator's Ranker interface so
// Coordinator.Search can plug it in without any coupling the other way.
package rankfusion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/latticedb/engine/internal/embedding"
	"github.com/latticedb/engine/internal/indexing"
)

// rrfK is the standard Reciprocal Rank Fusion smoothing constant: a rank-1
// hit in one ranking scores 1/(rrfK+1), diminishing the influence of any
// single ranking's exact ordering past the top few results.
const rrfK = 60

// Ranker fuses lexical and semantic rankings of Coordinator.Search
// candidates against free text (§4.2). It is safe for concurrent use but
// each Rank call re-fits the embedder/vectorizer against that call's
// candidate set, since a live CRDT map's contents can change between
// searches and stale vocabulary would silently degrade ranking quality.
type Ranker struct {
	mu        sync.Mutex
	dimension int
}

// New creates a Ranker producing dimension-sized semantic embeddings
// (passed straight through to the LSA reducer underlying the TF-IDF
// embedder).
func New(dimension int) *Ranker {
	if dimension <= 0 {
		dimension = 32
	}
	return &Ranker{dimension: dimension}
}

// Rank implements coordinator.Ranker: score every candidate against text
// using both a lexical and a semantic signal, fuse the two rankings with
// Reciprocal Rank Fusion, and return keys ordered best-first.
func (r *Ranker) Rank(candidates map[string]interface{}, text string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	keys := make([]string, 0, len(candidates))
	docs := make([]string, 0, len(candidates))
	for k, v := range candidates {
		keys = append(keys, k)
		docs = append(docs, fmt.Sprint(v))
	}
	sort.Strings(keys) // stable base order before any ranking is applied

	lexicalOrder := r.lexicalRank(keys, docs, text)
	semanticOrder := r.semanticRank(keys, docs, text)

	fused := fuseRankings(keys, lexicalOrder, semanticOrder)
	return fused
}

// lexicalRank ranks keys by TF-IDF cosine similarity of each candidate's
// text against the query text.
func (r *Ranker) lexicalRank(keys, docs []string, text string) []string {
	vectorizer := embedding.NewTFIDFVectorizer()
	corpus := append(append([]string{}, docs...), text)
	if err := vectorizer.Fit(corpus); err != nil {
		return append([]string{}, keys...)
	}

	queryVec, err := vectorizer.Transform(text)
	if err != nil {
		return append([]string{}, keys...)
	}

	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(keys))
	for i, key := range keys {
		vec, err := vectorizer.Transform(docs[i])
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{key: key, score: cosineSimilarity(vec, queryVec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.key
	}
	return out
}

// semanticRank ranks keys by nearest-neighbor distance in embedding space,
// via an HNSW index built fresh from this call's candidate set.
func (r *Ranker) semanticRank(keys, docs []string, text string) []string {
	embedder, err := embedding.NewTFIDFEmbedder(newMemStorage(), r.dimension)
	if err != nil {
		return append([]string{}, keys...)
	}
	ctx := context.Background()
	corpus := append(append([]string{}, docs...), text)
	if err := embedder.Fit(ctx, corpus); err != nil {
		return append([]string{}, keys...)
	}

	index := indexing.NewHNSWIndex(r.dimension, 16, 200)
	ids := make(map[uuid.UUID]string, len(keys))
	for i, key := range keys {
		vec, err := embedder.Generate(ctx, docs[i])
		if err != nil {
			continue
		}
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))
		if err := index.Add(id, vec); err != nil {
			continue
		}
		ids[id] = key
	}
	if len(ids) == 0 {
		return append([]string{}, keys...)
	}

	queryVec, err := embedder.Generate(ctx, text)
	if err != nil {
		return append([]string{}, keys...)
	}
	neighbors, err := index.Search(queryVec, len(ids))
	if err != nil {
		return append([]string{}, keys...)
	}

	out := make([]string, 0, len(neighbors))
	seen := make(map[string]bool, len(neighbors))
	for _, id := range neighbors {
		if key, ok := ids[id]; ok && !seen[key] {
			out = append(out, key)
			seen[key] = true
		}
	}
	// Any candidate the index dropped (embedding failure) still needs a
	// rank position so it isn't invisible to the fused score.
	for _, key := range keys {
		if !seen[key] {
			out = append(out, key)
		}
	}
	return out
}

// fuseRankings combines any number of per-signal orderings of the same key
// set via Reciprocal Rank Fusion and returns the fused best-first order.
func fuseRankings(keys []string, rankings ...[]string) []string {
	scores := make(map[string]float64, len(keys))
	for _, ranking := range rankings {
		for pos, key := range ranking {
			scores[key] += 1.0 / float64(rrfK+pos+1)
		}
	}
	out := append([]string{}, keys...)
	sort.SliceStable(out, func(i, j int) bool { return scores[out[i]] > scores[out[j]] })
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
