package repository

import (
	"context"

	"go.uber.org/zap"

	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/database"
)

// Default similarity search parameters.
const (
	DefaultMatchCount     = 10
	DefaultMatchThreshold = 0.7
)

// VectorRepository runs similarity searches on the vector endpoint. Ranking
// is done by the remote store.
type VectorRepository interface {
	Search(ctx context.Context, q database.VectorQuery) ([]database.VectorMatch, error)
}

type vectorRepository struct {
	db     DB
	logger *zap.Logger
}

// NewVectorRepository creates a VectorRepository. The table is ignored; the
// vector endpoint's search function decides what is searched.
func NewVectorRepository(deps Deps) (VectorRepository, error) {
	if deps.DB == nil {
		return nil, errors.New("vector repository requires a database")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &vectorRepository{db: deps.DB, logger: deps.Logger}, nil
}

// Search fills in default limits and delegates to the vector store.
func (r *vectorRepository) Search(ctx context.Context, q database.VectorQuery) ([]database.VectorMatch, error) {
	if len(q.Embedding) == 0 {
		return nil, NewInvalidQuery("Embedding", "cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultMatchCount
	}
	if q.Threshold <= 0 {
		q.Threshold = DefaultMatchThreshold
	}

	var matches []database.VectorMatch
	err := r.db.WithVectorStore(ctx, func(ctx context.Context, vs database.VectorStore) error {
		var err error
		matches, err = vs.SearchSimilar(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Vector search completed", zap.Int("matches", len(matches)))
	return matches, nil
}
