// Package database owns connections to the backing stores: the Connection
// contract and its implementations, the bounded ConnectionPool in front of
// each endpoint, and the Manager that routes reads, writes and vector
// queries across the primary, replica and vector pools.
package database

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
)

// Connection is a live handle to a backing store. Implementations need not
// be safe for concurrent use by multiple holders; the pool hands each
// connection to one holder at a time.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// VectorQuery describes a similarity search executed by the remote store.
type VectorQuery struct {
	Embedding []float32      `json:"query_embedding"`
	Threshold float64        `json:"match_threshold"`
	Limit     int            `json:"match_count"`
	Filter    map[string]any `json:"filter,omitempty"`
}

// VectorMatch is one row returned by a similarity search.
type VectorMatch struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// VectorStore is implemented by connections able to run similarity search.
type VectorStore interface {
	SearchSimilar(ctx context.Context, q VectorQuery) ([]VectorMatch, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used by repositories.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// ItemStore is implemented by connections backed by a DynamoDB table.
type ItemStore interface {
	Items() DynamoDBAPI
	Table() string
}

// Connector builds an unconnected Connection for an endpoint.
type Connector func(cfg config.ConnectionConfig) (Connection, error)

// Connectors maps endpoint types to their constructors.
type Connectors map[config.EndpointType]Connector

// DefaultConnectors returns the built-in connection implementations.
func DefaultConnectors() Connectors {
	return Connectors{
		config.EndpointDynamoDB: NewDynamoDBConnection,
		config.EndpointSupabase: NewSupabaseConnection,
		config.EndpointSQLite:   NewSQLiteConnection,
	}
}

// For returns the connector registered for the endpoint's type.
func (c Connectors) For(cfg config.ConnectionConfig) (Connector, error) {
	fn, ok := c[cfg.Type]
	if !ok {
		return nil, errors.Configuration(errors.CodeInvalidConfig, "no connector registered for endpoint type").
			WithResource(cfg.Name).
			WithDetails(string(cfg.Type)).
			Build()
	}
	return fn, nil
}
