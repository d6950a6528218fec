// Package config holds the settings consumed by the connection, dependency and
// startup layers. Configuration is loaded once at startup (defaults, then an
// optional YAML file, then environment variables) and passed by value from
// then on; nothing mutates a ConnectionConfig after Load returns.
package config

import (
	"time"
)

// EndpointType selects the backing store implementation for an endpoint.
type EndpointType string

const (
	// EndpointDynamoDB is the primary remote store accessed over the AWS API.
	EndpointDynamoDB EndpointType = "dynamodb"
	// EndpointSupabase is a vector-capable store (pgvector behind PostgREST).
	EndpointSupabase EndpointType = "supabase"
	// EndpointSQLite is a local store used for development.
	EndpointSQLite EndpointType = "sqlite"
)

// SSLConfig controls transport security for an endpoint.
type SSLConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Verify  bool `yaml:"verify" json:"verify"`
}

// ConnectionConfig describes one logical endpoint and the pool in front of it.
type ConnectionConfig struct {
	Name           string        `yaml:"name" json:"name" validate:"required"`
	Type           EndpointType  `yaml:"type" json:"type" validate:"required,oneof=dynamodb supabase sqlite"`
	Region         string        `yaml:"region" json:"region"`
	EndpointURL    string        `yaml:"endpoint_url" json:"endpoint_url" validate:"omitempty,url"`
	Table          string        `yaml:"table" json:"table"`
	APIKey         string        `yaml:"api_key" json:"-"`
	DSN            string        `yaml:"dsn" json:"dsn"`
	VectorFunction string        `yaml:"vector_function" json:"vector_function"`
	PoolSize       int           `yaml:"pool_size" json:"pool_size" validate:"gte=1,lte=512"`
	MaxOverflow    int           `yaml:"max_overflow" json:"max_overflow" validate:"gte=0,lte=512"`
	PoolTimeout    time.Duration `yaml:"pool_timeout" json:"pool_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	SSL            SSLConfig     `yaml:"ssl" json:"ssl"`
}

// MaxConnections is the hard ceiling on connections the pool may hold.
func (c ConnectionConfig) MaxConnections() int {
	return c.PoolSize + c.MaxOverflow
}

// DatabaseConfig groups the primary, replica and vector endpoints.
type DatabaseConfig struct {
	Primary  ConnectionConfig   `yaml:"primary" json:"primary"`
	Replicas []ConnectionConfig `yaml:"replicas" json:"replicas" validate:"dive"`
	// Vector is optional; nil means vector requests are served by the primary.
	Vector *ConnectionConfig `yaml:"vector" json:"vector,omitempty"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gt=0"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" json:"health_check_timeout" validate:"gt=0"`
	ReplicaProbeTimeout time.Duration `yaml:"replica_probe_timeout" json:"replica_probe_timeout" validate:"gt=0"`
}

// StartupConfig controls the phased startup sequence.
type StartupConfig struct {
	Timeout           time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts" json:"max_retry_attempts" validate:"gte=1,lte=20"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"gte=1"`
	EnableRecovery    bool          `yaml:"enable_recovery" json:"enable_recovery"`
}

// ContainerConfig controls dependency health monitoring.
type ContainerConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gte=0"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" json:"health_check_timeout" validate:"gt=0"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig configures Prometheus naming.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`
}

// Config holds all configuration values.
type Config struct {
	Environment string `yaml:"environment" json:"environment" validate:"oneof=development staging production test"`
	LogLevel    string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`

	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Startup   StartupConfig   `yaml:"startup" json:"startup"`
	Container ContainerConfig `yaml:"container" json:"container"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`

	// LoadedFrom records the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-" json:"loaded_from"`
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// VectorEndpoint returns the vector endpoint settings and whether it is
// distinct from the primary.
func (c *Config) VectorEndpoint() (ConnectionConfig, bool) {
	if c.Database.Vector == nil {
		return c.Database.Primary, false
	}
	return *c.Database.Vector, true
}

// Default returns a configuration with sensible defaults so the process can
// start without any file or environment overrides.
func Default() *Config {
	primary := ConnectionConfig{
		Name:           "primary",
		Type:           EndpointDynamoDB,
		Region:         "us-east-1",
		Table:          "brain2",
		PoolSize:       5,
		MaxOverflow:    5,
		PoolTimeout:    30 * time.Second,
		IdleTimeout:    10 * time.Minute,
		ConnectTimeout: 10 * time.Second,
		SSL:            SSLConfig{Enabled: true, Verify: true},
	}

	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			Primary:             primary,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			ReplicaProbeTimeout: 5 * time.Second,
		},
		Startup: StartupConfig{
			Timeout:           5 * time.Minute,
			MaxRetryAttempts:  3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			EnableRecovery:    true,
		},
		Container: ContainerConfig{
			HealthCheckInterval: time.Minute,
			HealthCheckTimeout:  5 * time.Second,
		},
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "brain2-datacore",
			Endpoint:    "localhost:4317",
			SampleRate:  0.1,
		},
		Metrics: MetricsConfig{
			Namespace: "brain2",
		},
	}
}
