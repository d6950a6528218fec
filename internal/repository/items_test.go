package repository_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/repository"
)

func newItems(t *testing.T, db repository.DB, table string) repository.ItemRepository {
	t.Helper()
	repo, err := repository.NewItemRepository(repository.Deps{DB: db, Table: table})
	require.NoError(t, err)
	return repo
}

func TestSQLiteItemsCRUD(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{conn: sqliteConn(t)}
	repo := newItems(t, db, "notes")
	key := repository.Key{PK: "USER#1", SK: "NOTE#a"}

	_, err := repo.Get(ctx, key)
	require.Error(t, err)
	assert.True(t, repository.IsNotFound(err))

	require.NoError(t, repo.Put(ctx, key, repository.Item{"title": "first", "tags": []any{"x"}}))
	item, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", item["title"])
	assert.Equal(t, "USER#1", item[repository.AttrPK])
	assert.Equal(t, "NOTE#a", item[repository.AttrSK])

	require.NoError(t, repo.Put(ctx, key, repository.Item{"title": "second"}))
	item, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "second", item["title"])
	assert.NotContains(t, item, "tags")

	require.NoError(t, repo.Delete(ctx, key))
	require.NoError(t, repo.Delete(ctx, key))
	_, err = repo.Get(ctx, key)
	assert.True(t, repository.IsNotFound(err))

	assert.Equal(t, 4, db.reads)
	assert.Equal(t, 4, db.writes)
}

func TestSQLiteItemsQueryPagination(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{conn: sqliteConn(t)}
	repo := newItems(t, db, "")

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Put(ctx, repository.Key{PK: "P", SK: fmt.Sprintf("NOTE#%d", i)}, repository.Item{"n": i}))
	}
	require.NoError(t, repo.Put(ctx, repository.Key{PK: "P", SK: "EDGE#0"}, repository.Item{}))
	require.NoError(t, repo.Put(ctx, repository.Key{PK: "P", SK: "note#lower"}, repository.Item{}))
	require.NoError(t, repo.Put(ctx, repository.Key{PK: "Q", SK: "NOTE#9"}, repository.Item{}))

	q := repository.Query{PK: "P", SKPrefix: "NOTE#", Page: repository.NewPageRequest(2, "")}
	var seen []string
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := repo.Query(ctx, q)
		require.NoError(t, err)
		for _, it := range page.Items {
			seen = append(seen, it[repository.AttrSK].(string))
		}
		if page.NextToken == "" {
			break
		}
		q.Page.NextToken = page.NextToken
	}
	assert.Equal(t, []string{"NOTE#0", "NOTE#1", "NOTE#2", "NOTE#3", "NOTE#4"}, seen)

	page, err := repo.Query(ctx, repository.Query{PK: "P", SKPrefix: "NOTE#", Descending: true, Page: repository.NewPageRequest(2, "")})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "NOTE#4", page.Items[0][repository.AttrSK])
	assert.Equal(t, float64(3), page.Items[1]["n"])
}

func TestItemsRejectInvalidInput(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{conn: nopConn{}}
	repo := newItems(t, db, "t")

	err := repo.Put(ctx, repository.Key{PK: "P"}, repository.Item{})
	assert.True(t, repository.IsInvalidQuery(err))

	_, err = repo.Query(ctx, repository.Query{})
	assert.True(t, repository.IsInvalidQuery(err))

	_, err = repo.Query(ctx, repository.Query{PK: "P", Page: repository.PageRequest{NextToken: "%%%"}})
	assert.True(t, repository.IsInvalidQuery(err))

	other := repository.EncodeNextToken(repository.LastEvaluatedKey{PK: "OTHER", SK: "x"})
	_, err = repo.Query(ctx, repository.Query{PK: "P", Page: repository.PageRequest{NextToken: other}})
	assert.True(t, repository.IsInvalidQuery(err))

	assert.Zero(t, db.reads+db.writes)
}

func TestItemsRequireItemCapableConnection(t *testing.T) {
	repo := newItems(t, &fakeDB{conn: nopConn{}}, "t")

	_, err := repo.Get(context.Background(), repository.Key{PK: "P", SK: "S"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestDynamoItemsUseConnectionTable(t *testing.T) {
	ctx := context.Background()
	api := newFakeDynamo()
	db := &fakeDB{conn: dynamoConn{t: t, api: api, table: "brain2"}}
	repo := newItems(t, db, "")
	key := repository.Key{PK: "USER#1", SK: "NODE#1"}

	require.NoError(t, repo.Put(ctx, key, repository.Item{"content": "hello", "version": 2}))
	assert.Contains(t, api.items, "brain2/USER#1|NODE#1")

	item, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", item["content"])
	assert.Equal(t, float64(2), item["version"])

	require.NoError(t, repo.Delete(ctx, key))
	_, err = repo.Get(ctx, key)
	assert.True(t, repository.IsNotFound(err))
}

func TestDynamoItemsTableOverride(t *testing.T) {
	api := newFakeDynamo()
	repo := newItems(t, &fakeDB{conn: dynamoConn{t: t, api: api, table: "brain2"}}, "archive")

	require.NoError(t, repo.Put(context.Background(), repository.Key{PK: "A", SK: "B"}, nil))
	assert.Contains(t, api.items, "archive/A|B")
}

func TestDynamoItemsQuery(t *testing.T) {
	api := newFakeDynamo()
	repo := newItems(t, &fakeDB{conn: dynamoConn{t: t, api: api, table: "brain2"}}, "")

	row, err := attributevalue.MarshalMap(map[string]any{"PK": "P", "SK": "NOTE#1", "n": 1})
	require.NoError(t, err)
	last, err := attributevalue.MarshalMap(repository.LastEvaluatedKey{PK: "P", SK: "NOTE#1"})
	require.NoError(t, err)
	api.queryOut = &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{row}, LastEvaluatedKey: last}

	start := repository.EncodeNextToken(repository.LastEvaluatedKey{PK: "P", SK: "NOTE#0"})
	page, err := repo.Query(context.Background(), repository.Query{
		PK:         "P",
		SKPrefix:   "NOTE#",
		Descending: true,
		Page:       repository.NewPageRequest(1, start),
	})
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.Equal(t, "NOTE#1", page.Items[0]["SK"])
	next, err := repository.DecodeNextToken(page.NextToken)
	require.NoError(t, err)
	assert.Equal(t, "NOTE#1", next.SK)

	in := api.lastQuery
	require.NotNil(t, in)
	assert.Equal(t, "brain2", *in.TableName)
	assert.Equal(t, int32(1), *in.Limit)
	assert.False(t, *in.ScanIndexForward)
	assert.Contains(t, *in.KeyConditionExpression, "begins_with")
	assert.Equal(t, "P|NOTE#0", itemKey(t, in.ExclusiveStartKey))
}

func TestDynamoItemsClassifyErrors(t *testing.T) {
	api := newFakeDynamo()
	api.err = &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down"}
	repo := newItems(t, &fakeDB{conn: dynamoConn{t: t, api: api, table: "brain2"}}, "")

	_, err := repo.Get(context.Background(), repository.Key{PK: "P", SK: "S"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.True(t, errors.IsRecoverable(err))
}
