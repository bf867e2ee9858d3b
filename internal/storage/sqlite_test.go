package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"vulnverify/internal/extractor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableEmbedder returns fixed vectors keyed by text.
type tableEmbedder struct {
	dim     int
	vectors map[string][]float32
	err     error
	calls   int
}

func (e *tableEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			v = make([]float32, e.dim)
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (e *tableEmbedder) Dimension() int { return e.dim }

func newTestStore(t *testing.T, emb *tableEmbedder) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), Options{Embedder: emb, BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func unit(container, name, text string) extractor.CodeUnit {
	return extractor.NewCodeUnit(container, name, text)
}

func TestSQLiteStore_BuildAndLoad(t *testing.T) {
	emb := &tableEmbedder{dim: 3, vectors: map[string][]float32{
		"func f() {}": {1, 0, 0},
		"func g() {}": {0, 1, 0},
		"func h() {}": {0, 0, 1},
	}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	var progress [][2]int
	store.opts.Progress = func(done, total int) { progress = append(progress, [2]int{done, total}) }

	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{
		unit("A", "f", "func f() {}"),
		unit("A", "g", "func g() {}"),
		unit("B", "h", "func h() {}"),
	}))
	assert.Equal(t, [][2]int{{2, 3}, {3, 3}}, progress)

	idx, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 3, idx.Dimension())

	recs := idx.Records()
	assert.Equal(t, "A.f", recs[0].UnitID)
	assert.Equal(t, []float32{1, 0, 0}, recs[0].Vector)
	assert.Equal(t, Metadata{Text: "func f() {}", UnitID: "A.f", ContainerName: "A"}, recs[0].Metadata)
	assert.Equal(t, "B.h", recs[2].UnitID)
}

func TestSQLiteStore_DuplicatesWithinBuildFirstWins(t *testing.T) {
	emb := &tableEmbedder{dim: 2, vectors: map[string][]float32{
		"first":  {1, 0},
		"second": {0, 1},
	}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{
		unit("A", "f", "first"),
		unit("A", "f", "second"),
	}))

	recs, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "first", recs[0].Metadata.Text)
}

func TestSQLiteStore_RebuildKeepsPosition(t *testing.T) {
	emb := &tableEmbedder{dim: 2, vectors: map[string][]float32{
		"f v1": {1, 0},
		"g":    {0, 1},
		"f v2": {1, 1},
	}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{unit("A", "f", "f v1"), unit("A", "g", "g")}))
	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{unit("A", "f", "f v2")}))

	recs, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A.f", recs[0].UnitID)
	assert.Equal(t, "f v2", recs[0].Metadata.Text)
	assert.Equal(t, []float32{1, 1}, recs[0].Vector)
	assert.Equal(t, "A.g", recs[1].UnitID)
}

func TestSQLiteStore_DimensionMismatchRejected(t *testing.T) {
	emb := &tableEmbedder{dim: 2, vectors: map[string][]float32{"bad": {1, 2, 3}}}
	store := newTestStore(t, emb)
	ctx := context.Background()

	err := store.Build(ctx, []extractor.CodeUnit{unit("A", "ok", "ok"), unit("A", "bad", "bad")})
	var dimErr *DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, "A.bad", dimErr.UnitID)

	recs, err := store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing from the failing batch is written")
}

func TestSQLiteStore_EmbedderChangeRejected(t *testing.T) {
	emb := &tableEmbedder{dim: 2}
	store := newTestStore(t, emb)
	ctx := context.Background()
	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{unit("A", "f", "x")}))

	emb.dim = 4
	assert.Error(t, store.Build(ctx, []extractor.CodeUnit{unit("A", "g", "y")}))
}

func TestSQLiteStore_EmbedFailure(t *testing.T) {
	store := newTestStore(t, &tableEmbedder{dim: 2, err: errors.New("quota exceeded")})
	err := store.Build(context.Background(), []extractor.CodeUnit{unit("A", "f", "x")})
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t, &tableEmbedder{dim: 2})
	ctx := context.Background()
	require.NoError(t, store.Build(ctx, []extractor.CodeUnit{unit("A", "f", "1"), unit("A", "g", "2"), unit("A", "h", "3")}))

	require.NoError(t, store.Delete(ctx, []string{"A.g"}))
	ids, err := store.UnitIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.f", "A.h"}, ids)
}

func TestSQLiteStore_ReadOnlyBuild(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ro.db"), Options{})
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Build(context.Background(), []extractor.CodeUnit{unit("A", "f", "x")}))
	idx, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestNewIndex_Validation(t *testing.T) {
	_, err := NewIndex([]EmbeddingRecord{
		{UnitID: "A.f", Vector: []float32{1, 0}},
		{UnitID: "A.g", Vector: []float32{1}},
	})
	var dimErr *DimensionError
	assert.ErrorAs(t, err, &dimErr)

	_, err = NewIndex([]EmbeddingRecord{
		{UnitID: "A.f", Vector: []float32{1}},
		{UnitID: "A.f", Vector: []float32{1}},
	})
	assert.Error(t, err)

	idx, err := NewIndex([]EmbeddingRecord{{UnitID: "A.f", Vector: []float32{1, 2}}})
	require.NoError(t, err)
	r, ok := idx.Lookup("A.f")
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, r.Vector)
}
