package repository_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brain2-datacore/internal/infrastructure/database"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/repository"
)

func TestFactoryCachesPerKeyAndTable(t *testing.T) {
	f := repository.NewFactory(&fakeDB{conn: nopConn{}}, repository.FactoryOptions{DefaultTable: "brain2"})

	a, err := repository.Get[repository.ItemRepository](f, "")
	require.NoError(t, err)
	b, err := repository.Get[repository.ItemRepository](f, "brain2")
	require.NoError(t, err)
	c, err := repository.Get[repository.ItemRepository](f, "archive")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, f.Len())

	f.Clear()
	d, err := repository.Get[repository.ItemRepository](f, "brain2")
	require.NoError(t, err)
	assert.NotSame(t, a, d)
}

func TestFactoryUnknownKey(t *testing.T) {
	f := repository.NewFactory(&fakeDB{conn: nopConn{}}, repository.FactoryOptions{Registry: repository.NewRegistry()})

	_, err := f.Get("missing", "t")
	require.Error(t, err)
	ue, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeRepositoryNotBound, ue.Code)
}

func TestFactoryPreload(t *testing.T) {
	registry := repository.DefaultRegistry()
	calls := 0
	registry.Register("broken", func(repository.Deps) (any, error) {
		calls++
		return nil, fmt.Errorf("bad binding")
	})
	f := repository.NewFactory(&fakeDB{conn: nopConn{}}, repository.FactoryOptions{Registry: registry, DefaultTable: "brain2"})

	err := f.Preload(context.Background(), "brain2", "archive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad binding")
	assert.True(t, errors.IsType(err, errors.ErrorTypeDependencyResolution))
	assert.Equal(t, 2, calls)
	// items and vectors for both tables
	assert.Equal(t, 4, f.Len())

	assert.Equal(t, []string{
		"broken",
		repository.KeyOf[repository.ItemRepository](),
		repository.KeyOf[repository.VectorRepository](),
	}, registry.Keys())
}

func TestFactoryPreloadDefaultTable(t *testing.T) {
	f := repository.NewFactory(&fakeDB{conn: nopConn{}}, repository.FactoryOptions{DefaultTable: "brain2"})
	require.NoError(t, f.Preload(context.Background()))
	assert.Equal(t, 2, f.Len())
}

func TestVectorRepositoryAppliesDefaults(t *testing.T) {
	conn := &vectorConn{matches: []database.VectorMatch{{ID: "doc-1", Similarity: 0.91}}}
	db := &fakeDB{conn: conn}
	f := repository.NewFactory(db, repository.FactoryOptions{})

	repo, err := repository.Get[repository.VectorRepository](f, "")
	require.NoError(t, err)

	matches, err := repo.Search(context.Background(), database.VectorQuery{Embedding: []float32{0.1, 0.2}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-1", matches[0].ID)
	assert.Equal(t, repository.DefaultMatchCount, conn.got.Limit)
	assert.Equal(t, repository.DefaultMatchThreshold, conn.got.Threshold)
	assert.Equal(t, 1, db.vectors)

	_, err = repo.Search(context.Background(), database.VectorQuery{})
	assert.True(t, repository.IsInvalidQuery(err))
}

func TestVectorRepositoryWithoutCapability(t *testing.T) {
	repo, err := repository.NewVectorRepository(repository.Deps{DB: &fakeDB{conn: nopConn{}}})
	require.NoError(t, err)

	_, err = repo.Search(context.Background(), database.VectorQuery{Embedding: []float32{1}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}
