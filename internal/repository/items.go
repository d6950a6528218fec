package repository

import (
	"context"
	"maps"
	"sync"

	"go.uber.org/zap"

	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/database"
)

// Attribute names of the item key.
const (
	AttrPK = "PK"
	AttrSK = "SK"
)

// Key identifies an item.
type Key struct {
	PK string
	SK string
}

func (k Key) validate() error {
	if k.PK == "" {
		return NewInvalidQuery(AttrPK, "cannot be empty")
	}
	if k.SK == "" {
		return NewInvalidQuery(AttrSK, "cannot be empty")
	}
	return nil
}

// Item is a schemaless record. Stored items always carry their PK and SK.
type Item map[string]any

// Query selects the items of one partition, optionally narrowed to sort keys
// starting with SKPrefix.
type Query struct {
	PK         string
	SKPrefix   string
	Descending bool
	Page       PageRequest
}

// Page is one page of query results.
type Page struct {
	Items     []Item
	NextToken string
}

// ItemRepository stores items in a single table. Reads are routed to a
// replica when one is available and writes always go to the primary.
type ItemRepository interface {
	Get(ctx context.Context, key Key) (Item, error)
	Put(ctx context.Context, key Key, item Item) error
	Delete(ctx context.Context, key Key) error
	Query(ctx context.Context, q Query) (Page, error)
}

// itemBackend is the per-connection half of ItemRepository.
type itemBackend interface {
	get(ctx context.Context, key Key) (Item, bool, error)
	put(ctx context.Context, key Key, item Item) error
	delete(ctx context.Context, key Key) error
	query(ctx context.Context, q Query, start *LastEvaluatedKey) (Page, error)
}

type itemRepository struct {
	db     DB
	table  string
	logger *zap.Logger

	// schemas records the SQLite handles whose table already exists.
	schemas sync.Map
}

// NewItemRepository creates an ItemRepository for deps.Table. With an empty
// table, DynamoDB connections use their configured table and SQLite
// connections use "items".
func NewItemRepository(deps Deps) (ItemRepository, error) {
	if deps.DB == nil {
		return nil, errors.New("item repository requires a database")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &itemRepository{db: deps.DB, table: deps.Table, logger: deps.Logger}, nil
}

func (r *itemRepository) backend(ctx context.Context, conn database.Connection) (itemBackend, error) {
	switch c := conn.(type) {
	case database.ItemStore:
		table := r.table
		if table == "" {
			table = c.Table()
		}
		return dynamoItems{api: c.Items(), table: table}, nil
	case database.SQLStore:
		table := r.table
		if table == "" {
			table = "items"
		}
		s := sqliteItems{db: c.DB(), table: table}
		if _, ok := r.schemas.Load(c.DB()); !ok {
			if err := s.ensureSchema(ctx); err != nil {
				return nil, err
			}
			r.schemas.Store(c.DB(), struct{}{})
		}
		return s, nil
	}
	return nil, errors.Capability(errors.CodeItemsUnsupported, r.table, "item storage")
}

// Get returns the item at key or ErrNotFound.
func (r *itemRepository) Get(ctx context.Context, key Key) (Item, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var (
		item  Item
		found bool
	)
	err := r.db.WithReader(ctx, func(ctx context.Context, conn database.Connection) error {
		b, err := r.backend(ctx, conn)
		if err != nil {
			return err
		}
		item, found, err = b.get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound{Table: r.table, PK: key.PK, SK: key.SK}
	}
	return item, nil
}

// Put creates or replaces the item at key.
func (r *itemRepository) Put(ctx context.Context, key Key, item Item) error {
	if err := key.validate(); err != nil {
		return err
	}
	stored := maps.Clone(item)
	if stored == nil {
		stored = Item{}
	}
	stored[AttrPK] = key.PK
	stored[AttrSK] = key.SK
	return r.db.WithPrimary(ctx, func(ctx context.Context, conn database.Connection) error {
		b, err := r.backend(ctx, conn)
		if err != nil {
			return err
		}
		return b.put(ctx, key, stored)
	})
}

// Delete removes the item at key. Deleting a missing item succeeds.
func (r *itemRepository) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	return r.db.WithPrimary(ctx, func(ctx context.Context, conn database.Connection) error {
		b, err := r.backend(ctx, conn)
		if err != nil {
			return err
		}
		return b.delete(ctx, key)
	})
}

// Query returns one page of the partition q.PK.
func (r *itemRepository) Query(ctx context.Context, q Query) (Page, error) {
	if q.PK == "" {
		return Page{}, NewInvalidQuery(AttrPK, "cannot be empty")
	}
	var start *LastEvaluatedKey
	if q.Page.HasNextToken() {
		key, err := DecodeNextToken(q.Page.NextToken)
		if err != nil {
			return Page{}, err
		}
		if key.PK != q.PK {
			return Page{}, NewInvalidQuery("NextToken", "token belongs to a different partition")
		}
		start = &key
	}

	var page Page
	err := r.db.WithReader(ctx, func(ctx context.Context, conn database.Connection) error {
		b, err := r.backend(ctx, conn)
		if err != nil {
			return err
		}
		page, err = b.query(ctx, q, start)
		return err
	})
	if err != nil {
		return Page{}, err
	}
	r.logger.Debug("Queried items",
		zap.String("pk", q.PK),
		zap.Int("count", len(page.Items)),
		zap.Bool("has_more", page.NextToken != ""))
	return page, nil
}
