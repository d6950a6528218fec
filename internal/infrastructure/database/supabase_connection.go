package database

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/supabase-community/supabase-go"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
)

// SupabaseConnection talks to a Postgres/pgvector store through PostgREST.
// Similarity search is a stored procedure invoked over RPC; scoring happens
// remotely.
type SupabaseConnection struct {
	cfg config.ConnectionConfig

	mu     sync.RWMutex
	client *supabase.Client
}

// NewSupabaseConnection is the Connector for config.EndpointSupabase.
func NewSupabaseConnection(cfg config.ConnectionConfig) (Connection, error) {
	return &SupabaseConnection{cfg: cfg}, nil
}

// Connect creates an independent client for this connection.
func (c *SupabaseConnection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Timeout(errors.CodeConnectFailed, "connect cancelled").WithCause(err).Build()
	}
	client, err := supabase.NewClient(c.cfg.EndpointURL, c.cfg.APIKey, nil)
	if err != nil {
		return errors.Connection(errors.CodeConnectFailed, "unable to create Supabase client").
			WithResource(c.cfg.Name).
			WithCause(err).
			Build()
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// Disconnect drops the client.
func (c *SupabaseConnection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	return nil
}

func (c *SupabaseConnection) supabase() *supabase.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// HealthCheck selects a single row from the configured table.
func (c *SupabaseConnection) HealthCheck(ctx context.Context) error {
	client := c.supabase()
	if client == nil {
		return errors.HealthCheck("supabase connection is not connected").WithResource(c.cfg.Name).Build()
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := client.From(c.cfg.Table).Select("id", "", false).Limit(1, "").Execute()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.HealthCheck("supabase probe failed").WithResource(c.cfg.Name).WithCause(err).Build()
		}
		return nil
	case <-ctx.Done():
		return errors.Timeout(errors.CodeHealthCheckFailed, "supabase probe timed out").
			WithResource(c.cfg.Name).
			WithCause(ctx.Err()).
			Build()
	}
}

// SearchSimilar calls the configured match function over RPC.
func (c *SupabaseConnection) SearchSimilar(ctx context.Context, q VectorQuery) ([]VectorMatch, error) {
	client := c.supabase()
	if client == nil {
		return nil, errors.Connection(errors.CodeConnectFailed, "supabase connection is not connected").
			WithResource(c.cfg.Name).
			Build()
	}

	done := make(chan string, 1)
	go func() {
		done <- client.Rpc(c.cfg.VectorFunction, "", q)
	}()

	select {
	case raw := <-done:
		return decodeMatches(c.cfg.Name, []byte(raw))
	case <-ctx.Done():
		return nil, errors.Timeout(errors.CodeAcquireTimeout, "vector search timed out").
			WithResource(c.cfg.Name).
			WithCause(ctx.Err()).
			Build()
	}
}

// rpcError is the PostgREST error body.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

// decodeMatches parses an RPC response. The client returns the raw body
// without a status, so an error body is recognised by its shape.
func decodeMatches(endpoint string, raw []byte) ([]VectorMatch, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.Connection(errors.CodeConnectFailed, "empty response from vector search").
			WithResource(endpoint).
			Build()
	}
	if raw[0] == '{' {
		var rerr rpcError
		if err := json.Unmarshal(raw, &rerr); err == nil && rerr.Message != "" {
			return nil, errors.Connection(errors.CodeConnectFailed, "vector search rejected").
				WithResource(endpoint).
				WithDetails(rerr.Code + ": " + rerr.Message).
				WithRecoverable(false).
				Build()
		}
	}

	var matches []VectorMatch
	if err := json.Unmarshal(raw, &matches); err != nil {
		return nil, errors.Connection(errors.CodeConnectFailed, "malformed vector search response").
			WithResource(endpoint).
			WithCause(err).
			WithRecoverable(false).
			Build()
	}
	return matches, nil
}
