package rankfusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankReturnsEveryCandidateKey(t *testing.T) {
	r := New(16)
	candidates := map[string]interface{}{
		"doc1": "the quick brown fox jumps over the lazy dog",
		"doc2": "pack my box with five dozen liquor jugs",
		"doc3": "the five boxing wizards jump quickly",
	}
	ranked := r.Rank(candidates, "quick fox jumps")
	assert.ElementsMatch(t, []string{"doc1", "doc2", "doc3"}, ranked)
}

func TestRankFavorsLexicallyCloserDocument(t *testing.T) {
	r := New(16)
	candidates := map[string]interface{}{
		"about-cats":  "cats are small domesticated carnivorous mammals",
		"about-boats": "container ships carry cargo across the ocean",
	}
	ranked := r.Rank(candidates, "domesticated cats and mammals")
	require.Len(t, ranked, 2)
	assert.Equal(t, "about-cats", ranked[0], "expected the lexically closer document to rank first")
}

func TestRankOnEmptyCandidatesReturnsNil(t *testing.T) {
	r := New(16)
	ranked := r.Rank(map[string]interface{}{}, "anything")
	assert.Nil(t, ranked)
}

func TestFuseRankingsCombinesTwoSignals(t *testing.T) {
	keys := []string{"a", "b", "c"}
	lexical := []string{"b", "a", "c"}
	semantic := []string{"b", "c", "a"}
	fused := fuseRankings(keys, lexical, semantic)
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0], "expected the candidate ranked first in both signals to win fusion")
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float64{1, 2, 3}
	assert.InDelta(t, 1.0, cosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarityOrthogonalVectorsIsZero(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}))
}

func TestCursorRoundTrips(t *testing.T) {
	c := Cursor{Query: "hello world", Offset: 42}
	token := c.Encode()
	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-a-valid-cursor!!!")
	assert.Error(t, err)
}

func TestPagePaginatesAndStops(t *testing.T) {
	ranked := []string{"a", "b", "c", "d", "e"}

	page, next := Page(ranked, Cursor{Query: "q"}, 2)
	assert.Equal(t, []string{"a", "b"}, page)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Offset)

	page, next = Page(ranked, *next, 2)
	assert.Equal(t, []string{"c", "d"}, page)
	require.NotNil(t, next)

	page, next = Page(ranked, *next, 2)
	assert.Equal(t, []string{"e"}, page)
	assert.Nil(t, next, "expected no further cursor once the ranking is exhausted")
}

func TestPageBeyondEndReturnsEmpty(t *testing.T) {
	ranked := []string{"a", "b"}
	page, next := Page(ranked, Cursor{Offset: 10}, 2)
	assert.Nil(t, page)
	assert.Nil(t, next)
}
