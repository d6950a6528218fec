package database

import (
	"context"
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"
)

// SQLStore is implemented by connections exposing a database/sql handle.
type SQLStore interface {
	DB() *sql.DB
}

// SQLiteConnection is a local development endpoint. Each pooled connection
// opens its own handle limited to one physical connection.
type SQLiteConnection struct {
	cfg config.ConnectionConfig

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteConnection is the Connector for config.EndpointSQLite.
func NewSQLiteConnection(cfg config.ConnectionConfig) (Connection, error) {
	return &SQLiteConnection{cfg: cfg}, nil
}

// Connect opens the handle and verifies it.
func (c *SQLiteConnection) Connect(ctx context.Context) error {
	db, err := sql.Open("sqlite", c.cfg.DSN)
	if err != nil {
		return errors.Connection(errors.CodeConnectFailed, "unable to open sqlite database").
			WithResource(c.cfg.Name).
			WithCause(err).
			Build()
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Connection(errors.CodeConnectFailed, "sqlite ping failed").
			WithResource(c.cfg.Name).
			WithCause(err).
			Build()
	}
	// Pooled handles share the file; wait on its lock instead of failing.
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return errors.Connection(errors.CodeConnectFailed, "sqlite pragma failed").
			WithResource(c.cfg.Name).
			WithCause(err).
			Build()
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	return nil
}

// Disconnect closes the handle.
func (c *SQLiteConnection) Disconnect(_ context.Context) error {
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// HealthCheck pings the database.
func (c *SQLiteConnection) HealthCheck(ctx context.Context) error {
	db := c.DB()
	if db == nil {
		return errors.HealthCheck("sqlite connection is not connected").WithResource(c.cfg.Name).Build()
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.HealthCheck("sqlite ping failed").WithResource(c.cfg.Name).WithCause(err).Build()
	}
	return nil
}

// DB implements SQLStore.
func (c *SQLiteConnection) DB() *sql.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}
