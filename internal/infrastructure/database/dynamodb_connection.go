package database

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
)

// DynamoDBConnection owns an independent DynamoDB client and HTTP transport.
type DynamoDBConnection struct {
	cfg config.ConnectionConfig

	mu        sync.RWMutex
	client    *dynamodb.Client
	transport *http.Transport
}

// NewDynamoDBConnection is the Connector for config.EndpointDynamoDB.
func NewDynamoDBConnection(cfg config.ConnectionConfig) (Connection, error) {
	return &DynamoDBConnection{cfg: cfg}, nil
}

// Connect builds the client. No request is made; HealthCheck verifies reachability.
func (c *DynamoDBConnection) Connect(ctx context.Context) error {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     c.cfg.IdleTimeout,
		TLSHandshakeTimeout: c.cfg.ConnectTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !c.cfg.SSL.Verify, //nolint:gosec // opt-in for local endpoints
		},
	}
	httpClient := &http.Client{Transport: transport}

	opts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithHTTPClient(httpClient),
	}
	if c.cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(c.cfg.Region))
	}
	// Local endpoints accept any credentials.
	if c.cfg.EndpointURL != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		transport.CloseIdleConnections()
		return errors.Connection(errors.CodeConnectFailed, "unable to load AWS SDK config").
			WithResource(c.cfg.Name).
			WithCause(err).
			Build()
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(c.cfg.EndpointURL)
		}
	})

	c.mu.Lock()
	c.client = client
	c.transport = transport
	c.mu.Unlock()
	return nil
}

// Disconnect drops the client and closes idle sockets.
func (c *DynamoDBConnection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.client = nil
	c.transport = nil
	return nil
}

// HealthCheck describes the configured table.
func (c *DynamoDBConnection) HealthCheck(ctx context.Context) error {
	client := c.dynamo()
	if client == nil {
		return errors.HealthCheck("dynamodb connection is not connected").WithResource(c.cfg.Name).Build()
	}

	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.cfg.Table),
	})
	if err != nil {
		return ClassifyAWSError(err, "DescribeTable", c.cfg.Name)
	}
	return nil
}

// Items implements ItemStore.
func (c *DynamoDBConnection) Items() DynamoDBAPI {
	if client := c.dynamo(); client != nil {
		return client
	}
	return nil
}

// Table implements ItemStore.
func (c *DynamoDBConnection) Table() string {
	return c.cfg.Table
}

func (c *DynamoDBConnection) dynamo() *dynamodb.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
