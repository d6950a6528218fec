package repository_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
	"brain2-datacore/internal/infrastructure/database"
)

// fakeDB routes every call to a single connection and counts the routes.
type fakeDB struct {
	conn database.Connection

	mu      sync.Mutex
	reads   int
	writes  int
	vectors int
}

func (f *fakeDB) WithPrimary(ctx context.Context, fn func(ctx context.Context, conn database.Connection) error) error {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return fn(ctx, f.conn)
}

func (f *fakeDB) WithReader(ctx context.Context, fn func(ctx context.Context, conn database.Connection) error) error {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return fn(ctx, f.conn)
}

func (f *fakeDB) WithVectorStore(ctx context.Context, fn func(ctx context.Context, vs database.VectorStore) error) error {
	f.mu.Lock()
	f.vectors++
	f.mu.Unlock()
	vs, ok := f.conn.(database.VectorStore)
	if !ok {
		return errors.Capability(errors.CodeVectorUnsupported, "fake", "vector search")
	}
	return fn(ctx, vs)
}

type nopConn struct{}

func (nopConn) Connect(context.Context) error     { return nil }
func (nopConn) Disconnect(context.Context) error  { return nil }
func (nopConn) HealthCheck(context.Context) error { return nil }

// fakeDynamo keeps items in memory. Query returns the canned output and
// records its input.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	lastQuery *dynamodb.QueryInput
	queryOut  *dynamodb.QueryOutput
	err       error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(t testing.TB, av map[string]types.AttributeValue) string {
	var k struct{ PK, SK string }
	require.NoError(t, attributevalue.UnmarshalMap(av, &k))
	return k.PK + "|" + k.SK
}

type dynamoConn struct {
	nopConn
	t     testing.TB
	api   *fakeDynamo
	table string
}

func (c dynamoConn) Items() database.DynamoDBAPI { return fakeDynamoAPI{t: c.t, f: c.api} }
func (c dynamoConn) Table() string               { return c.table }

type fakeDynamoAPI struct {
	t testing.TB
	f *fakeDynamo
}

func (a fakeDynamoAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if a.f.err != nil {
		return nil, a.f.err
	}
	return &dynamodb.GetItemOutput{Item: a.f.items[*in.TableName+"/"+itemKey(a.t, in.Key)]}, nil
}

func (a fakeDynamoAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if a.f.err != nil {
		return nil, a.f.err
	}
	a.f.items[*in.TableName+"/"+itemKey(a.t, in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (a fakeDynamoAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	delete(a.f.items, *in.TableName+"/"+itemKey(a.t, in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (a fakeDynamoAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.lastQuery = in
	if a.f.queryOut == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return a.f.queryOut, nil
}

func (a fakeDynamoAPI) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

// sqliteConn opens a connected SQLite connection backed by a temp file.
func sqliteConn(t *testing.T) database.Connection {
	t.Helper()
	conn, err := database.NewSQLiteConnection(config.ConnectionConfig{
		Name: "local",
		Type: config.EndpointSQLite,
		DSN:  "file:" + filepath.Join(t.TempDir(), "items.db"),
	})
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	return conn
}

type vectorConn struct {
	nopConn
	got     database.VectorQuery
	matches []database.VectorMatch
}

func (v *vectorConn) SearchSimilar(_ context.Context, q database.VectorQuery) ([]database.VectorMatch, error) {
	v.got = q
	return v.matches, nil
}
