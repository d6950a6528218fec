package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
)

func TestConnectors_For(t *testing.T) {
	c := DefaultConnectors()

	for _, typ := range []config.EndpointType{config.EndpointDynamoDB, config.EndpointSupabase, config.EndpointSQLite} {
		fn, err := c.For(config.ConnectionConfig{Name: "x", Type: typ})
		require.NoError(t, err)
		conn, err := fn(config.ConnectionConfig{Name: "x", Type: typ})
		require.NoError(t, err)
		assert.NotNil(t, conn)
	}

	_, err := c.For(config.ConnectionConfig{Name: "x", Type: "mongo"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestConnectionCapabilities(t *testing.T) {
	var conn Connection

	conn, _ = NewSupabaseConnection(config.ConnectionConfig{})
	_, ok := conn.(VectorStore)
	assert.True(t, ok, "supabase connections search vectors")

	conn, _ = NewDynamoDBConnection(config.ConnectionConfig{})
	_, ok = conn.(ItemStore)
	assert.True(t, ok, "dynamodb connections expose items")
	_, ok = conn.(VectorStore)
	assert.False(t, ok)

	conn, _ = NewSQLiteConnection(config.ConnectionConfig{})
	_, ok = conn.(SQLStore)
	assert.True(t, ok)
}

func TestSupabaseConnection_ClientLifecycle(t *testing.T) {
	ctx := context.Background()
	conn, err := NewSupabaseConnection(config.ConnectionConfig{
		Name:           "vector",
		Type:           config.EndpointSupabase,
		EndpointURL:    "https://example.supabase.co",
		APIKey:         "service-key",
		Table:          "documents",
		VectorFunction: "match_documents",
	})
	require.NoError(t, err)
	sc := conn.(*SupabaseConnection)

	err = sc.HealthCheck(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHealthCheck))
	_, err = sc.SearchSimilar(ctx, VectorQuery{Limit: 1})
	require.Error(t, err)

	require.NoError(t, sc.Connect(ctx))
	assert.NotNil(t, sc.supabase())

	require.NoError(t, sc.Disconnect(ctx))
	assert.Nil(t, sc.supabase())
}

func TestSQLiteConnection_Lifecycle(t *testing.T) {
	ctx := context.Background()
	conn, err := NewSQLiteConnection(config.ConnectionConfig{
		Name: "local",
		Type: config.EndpointSQLite,
		DSN:  "file:lifecycle?mode=memory&cache=shared",
	})
	require.NoError(t, err)

	require.Error(t, conn.HealthCheck(ctx), "health check before connect")
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.HealthCheck(ctx))

	db := conn.(SQLStore).DB()
	_, err = db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS t (v INTEGER)")
	require.NoError(t, err)

	require.NoError(t, conn.Disconnect(ctx))
	err = conn.HealthCheck(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHealthCheck))
	require.NoError(t, conn.Disconnect(ctx))
}

func TestSQLiteConnection_PooledConnectionsAreIndependent(t *testing.T) {
	cfg := config.ConnectionConfig{
		Name:     "local",
		Type:     config.EndpointSQLite,
		DSN:      "file:pooled?mode=memory&cache=shared",
		PoolSize: 2,
	}
	p := NewPool(cfg, NewSQLiteConnection, PoolOptions{})
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))
	defer p.Close(ctx)

	a, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	assert.NotSame(t, a.Conn().(SQLStore).DB(), b.Conn().(SQLStore).DB())
	p.Release(ctx, a)
	p.Release(ctx, b)
	assert.Equal(t, 2, p.Stats().Available)
}

func TestDecodeMatches(t *testing.T) {
	matches, err := decodeMatches("vector", []byte(`[{"id":"a","content":"x","similarity":0.91},{"id":"b","similarity":0.5}]`))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.InDelta(t, 0.91, matches[0].Similarity, 1e-9)

	matches, err = decodeMatches("vector", []byte(" [] "))
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = decodeMatches("vector", []byte(`{"code":"42883","message":"function match_documents does not exist"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match_documents")
	assert.False(t, errors.IsRecoverable(err))

	_, err = decodeMatches("vector", nil)
	require.Error(t, err)
	assert.True(t, errors.IsRecoverable(err))
}

func TestClassifyAWSError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantType    errors.ErrorType
		recoverable bool
	}{
		{
			name:     "missing table",
			err:      &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "Requested resource not found", Fault: smithy.FaultClient},
			wantType: errors.ErrorTypeConfiguration,
		},
		{
			name:        "throttled",
			err:         &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Fault: smithy.FaultClient},
			wantType:    errors.ErrorTypeConnection,
			recoverable: true,
		},
		{
			name:     "access denied",
			err:      &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient},
			wantType: errors.ErrorTypeConnection,
		},
		{
			name:        "server fault",
			err:         &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer},
			wantType:    errors.ErrorTypeConnection,
			recoverable: true,
		},
		{
			name:        "deadline",
			err:         fmt.Errorf("operation error: %w", context.DeadlineExceeded),
			wantType:    errors.ErrorTypeTimeout,
			recoverable: true,
		},
		{
			name:        "unknown",
			err:         stderrors.New("socket closed"),
			wantType:    errors.ErrorTypeConnection,
			recoverable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyAWSError(tt.err, "DescribeTable", "primary")
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.TypeOf(err))
			assert.Equal(t, tt.recoverable, errors.IsRecoverable(err))
			assert.True(t, stderrors.Is(err, tt.err))
		})
	}

	assert.NoError(t, ClassifyAWSError(nil, "op", "primary"))

	throttled := ClassifyAWSError(&smithy.GenericAPIError{Code: "ThrottlingException"}, "Query", "replica-0")
	ue, ok := errors.As(throttled)
	require.True(t, ok)
	assert.Equal(t, time.Second, ue.RetryAfter)
}
