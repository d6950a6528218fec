package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"brain2-datacore/internal/config"
	"brain2-datacore/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Database.Primary.MaxConnections())
	assert.Equal(t, 5*time.Second, cfg.Database.ReplicaProbeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Startup.Timeout)
	assert.Equal(t, 3, cfg.Startup.MaxRetryAttempts)

	ep, distinct := cfg.VectorEndpoint()
	assert.False(t, distinct)
	assert.Equal(t, "primary", ep.Name)
}

// TestLoadFromEnvironment tests basic configuration loading from environment variables.
func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("DB_TABLE", "test-table")
	t.Setenv("DB_POOL_SIZE", "2")
	t.Setenv("DB_MAX_OVERFLOW", "1")
	t.Setenv("DB_POOL_TIMEOUT", "250ms")
	t.Setenv("DB_SSL_VERIFY", "false")
	t.Setenv("DB_REPLICA_COUNT", "2")
	t.Setenv("DB_REPLICA_1_REGION", "eu-west-1")
	t.Setenv("STARTUP_TIMEOUT", "90")

	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "test-table", cfg.Database.Primary.Table)
	assert.Equal(t, 2, cfg.Database.Primary.PoolSize)
	assert.Equal(t, 1, cfg.Database.Primary.MaxOverflow)
	assert.Equal(t, 250*time.Millisecond, cfg.Database.Primary.PoolTimeout)
	assert.False(t, cfg.Database.Primary.SSL.Verify)
	assert.Equal(t, 90*time.Second, cfg.Startup.Timeout)

	require.Len(t, cfg.Database.Replicas, 2)
	assert.Equal(t, "replica-0", cfg.Database.Replicas[0].Name)
	assert.Equal(t, "us-east-1", cfg.Database.Replicas[0].Region)
	assert.Equal(t, "eu-west-1", cfg.Database.Replicas[1].Region)
	assert.Equal(t, "test-table", cfg.Database.Replicas[1].Table)
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

func TestLoadVectorEndpointFromEnvironment(t *testing.T) {
	t.Setenv("VECTOR_ENDPOINT_TYPE", "supabase")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")

	cfg, err := config.NewLoader("").Load()
	require.NoError(t, err)

	ep, distinct := cfg.VectorEndpoint()
	require.True(t, distinct)
	assert.Equal(t, config.EndpointSupabase, ep.Type)
	assert.Equal(t, "https://example.supabase.co", ep.EndpointURL)
	assert.Equal(t, "match_documents", ep.VectorFunction)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datacore.yaml")
	content := `
environment: test
database:
  primary:
    name: local
    type: sqlite
    dsn: "file::memory:?cache=shared"
    pool_size: 4
    max_overflow: 2
    pool_timeout: 2s
    connect_timeout: 1s
startup:
  max_retry_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("DB_POOL_SIZE", "3")

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, config.EndpointSQLite, cfg.Database.Primary.Type)
	// environment wins over the file
	assert.Equal(t, 3, cfg.Database.Primary.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.Database.Primary.PoolTimeout)
	assert.Equal(t, 5, cfg.Startup.MaxRetryAttempts)
	assert.Equal(t, []string{"defaults", path, "environment"}, cfg.LoadedFrom)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("databse: {}\n"), 0o600))

	_, err := config.NewLoader(path).Load()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	tests := []struct {
		key, value string
		errMsg     string
	}{
		{key: "DB_POOL_SIZE", value: "many", errMsg: "DB_POOL_SIZE"},
		{key: "DB_REPLICA_COUNT", value: "-1", errMsg: "DB_REPLICA_COUNT=-1 must be >= 0"},
		{key: "STARTUP_TIMEOUT", value: "soon", errMsg: "STARTUP_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			var err error
			require.NotPanics(t, func() { _, err = config.NewLoader("").Load() })
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// TestConfigValidation tests configuration validation.
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{
			name:   "zero pool size",
			mutate: func(c *config.Config) { c.Database.Primary.PoolSize = 0 },
			errMsg: "pool_size",
		},
		{
			name:   "negative overflow",
			mutate: func(c *config.Config) { c.Database.Primary.MaxOverflow = -1 },
			errMsg: "max_overflow",
		},
		{
			name:   "unknown endpoint type",
			mutate: func(c *config.Config) { c.Database.Primary.Type = "mongo" },
			errMsg: "type",
		},
		{
			name: "replica type mismatch",
			mutate: func(c *config.Config) {
				r := c.Database.Primary
				r.Name = "replica-0"
				r.Type = config.EndpointSQLite
				r.DSN = "file:replica.db"
				c.Database.Replicas = []config.ConnectionConfig{r}
			},
			errMsg: "must match primary type",
		},
		{
			name: "supabase without key",
			mutate: func(c *config.Config) {
				v := c.Database.Primary
				v.Name = "vector"
				v.Type = config.EndpointSupabase
				v.EndpointURL = "https://example.supabase.co"
				c.Database.Vector = &v
			},
			errMsg: "require endpoint_url and api_key",
		},
		{
			name:   "sqlite without dsn",
			mutate: func(c *config.Config) { c.Database.Primary.Type = config.EndpointSQLite },
			errMsg: "dsn",
		},
		{
			name: "ssl over plain http endpoint",
			mutate: func(c *config.Config) {
				c.Database.Primary.EndpointURL = "http://localhost:8000"
			},
			errMsg: "ssl.enabled: endpoint_url uses http://",
		},
		{
			name:   "ssl disabled for remote endpoint",
			mutate: func(c *config.Config) { c.Database.Primary.SSL.Enabled = false },
			errMsg: "ssl.enabled: false requires an http:// endpoint_url",
		},
		{
			name:   "backoff bounds inverted",
			mutate: func(c *config.Config) { c.Startup.MaxBackoff = time.Millisecond },
			errMsg: "max_backoff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.False(t, errors.IsRecoverable(err))
		})
	}
}
