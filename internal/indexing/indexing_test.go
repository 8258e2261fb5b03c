package indexing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	id     uuid.UUID
	millis int64
	tag    Tag
	vector []float32
}

func (e fakeEntry) ID() uuid.UUID             { return e.id }
func (e fakeEntry) TimestampMillis() int64    { return e.millis }
func (e fakeEntry) Tag() Tag                  { return e.tag }
func (e fakeEntry) SemanticVector() []float32 { return e.vector }

func TestTemporalIndexSearchFiltersByRange(t *testing.T) {
	idx := NewTemporalIndex()
	ctx := context.Background()

	early := fakeEntry{id: uuid.New(), millis: 100}
	mid := fakeEntry{id: uuid.New(), millis: 500}
	late := fakeEntry{id: uuid.New(), millis: 900}
	require.NoError(t, idx.Add(ctx, early))
	require.NoError(t, idx.Add(ctx, mid))
	require.NoError(t, idx.Add(ctx, late))

	results, err := idx.Search(ctx, TimeRangeQuery{StartMillis: 200, EndMillis: 600})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{mid.id}, results)
}

func TestTemporalIndexRemove(t *testing.T) {
	idx := NewTemporalIndex()
	ctx := context.Background()
	e := fakeEntry{id: uuid.New(), millis: 42}
	require.NoError(t, idx.Add(ctx, e))
	require.NoError(t, idx.Remove(ctx, e.id))

	results, err := idx.Search(ctx, TimeRangeQuery{StartMillis: 0, EndMillis: 1000})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCategoryIndexSearchFiltersByTag(t *testing.T) {
	idx := NewCategoryIndex()
	ctx := context.Background()

	a := fakeEntry{id: uuid.New(), tag: "alerts"}
	b := fakeEntry{id: uuid.New(), tag: "logs"}
	require.NoError(t, idx.Add(ctx, a))
	require.NoError(t, idx.Add(ctx, b))

	results, err := idx.Search(ctx, Tag("alerts"))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.id}, results)
}

func TestCategoryIndexRejectsWrongQueryType(t *testing.T) {
	idx := NewCategoryIndex()
	_, err := idx.Search(context.Background(), "not-a-tag")
	assert.Error(t, err)
}

func TestSemanticIndexAddAndSearch(t *testing.T) {
	idx := NewSemanticIndex(4)
	ctx := context.Background()

	e := fakeEntry{id: uuid.New(), vector: []float32{1, 0, 0, 0}}
	require.NoError(t, idx.Add(ctx, e))

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Contains(t, results, e.id)
}

func TestSemanticIndexRejectsWrongQueryType(t *testing.T) {
	idx := NewSemanticIndex(4)
	_, err := idx.Search(context.Background(), "not-a-vector")
	assert.Error(t, err)
}

func TestMultiIndexManagerFansOutToEveryRegisteredIndex(t *testing.T) {
	mim := NewMultiIndexManager()
	temporal := NewTemporalIndex()
	category := NewCategoryIndex()
	mim.RegisterIndex(IndexKindTemporal, temporal)
	mim.RegisterIndex(IndexKindCategory, category)

	e := fakeEntry{id: uuid.New(), millis: 10, tag: "x"}
	require.NoError(t, mim.AddEntry(context.Background(), e))

	temporalResults, err := temporal.Search(context.Background(), TimeRangeQuery{StartMillis: 0, EndMillis: 100})
	require.NoError(t, err)
	assert.Contains(t, temporalResults, e.id)

	categoryResults, err := category.Search(context.Background(), Tag("x"))
	require.NoError(t, err)
	assert.Contains(t, categoryResults, e.id)
}

func TestMultiIndexManagerGetIndexReturnsRegisteredInstance(t *testing.T) {
	mim := NewMultiIndexManager()
	temporal := NewTemporalIndex()
	mim.RegisterIndex(IndexKindTemporal, temporal)
	assert.Same(t, Index(temporal), mim.GetIndex(IndexKindTemporal))
	assert.Nil(t, mim.GetIndex(IndexKindSemantic))
}
