package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION LOADER
// ============================================================================

// Loader builds a Config from layered sources.
// The loading order (from lowest to highest priority):
//  1. Default values (in code)
//  2. Optional YAML file (path from CONFIG_FILE)
//  3. Environment variables
type Loader struct {
	filePath string
	sources  []string
	// parseErrs collects malformed environment values so they surface as a
	// ConfigurationError instead of being silently ignored.
	parseErrs []string
}

// NewLoader creates a loader. An empty filePath skips the file layer.
func NewLoader(filePath string) *Loader {
	return &Loader{filePath: filePath}
}

// Load loads and validates the configuration.
func Load() (*Config, error) {
	return NewLoader(os.Getenv("CONFIG_FILE")).Load()
}

// Load applies every source and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	l.sources = append(l.sources[:0], "defaults")

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources

	if len(l.parseErrs) > 0 {
		return nil, invalid("malformed environment values", strings.Join(l.parseErrs, "; "), nil)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config) error {
	file, err := os.Open(l.filePath)
	if err != nil {
		return invalid("cannot open config file", l.filePath, err)
	}
	defer file.Close()

	if err := decodeYAML(file, cfg); err != nil {
		return invalid("cannot parse config file", l.filePath, err)
	}
	l.sources = append(l.sources, l.filePath)
	return nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// loadEnvironmentVariables overlays environment variables on the configuration.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	db := &cfg.Database
	l.loadEndpoint("DB", &db.Primary)
	db.HealthCheckInterval = l.getEnvDuration("HEALTH_CHECK_INTERVAL", db.HealthCheckInterval)
	db.HealthCheckTimeout = l.getEnvDuration("HEALTH_CHECK_TIMEOUT", db.HealthCheckTimeout)
	db.ReplicaProbeTimeout = l.getEnvDuration("REPLICA_PROBE_TIMEOUT", db.ReplicaProbeTimeout)

	// Replicas from the environment replace any declared in the file.
	if os.Getenv("DB_REPLICA_COUNT") != "" {
		count := l.getEnvInt("DB_REPLICA_COUNT", 0)
		if count < 0 {
			l.parseErrs = append(l.parseErrs, fmt.Sprintf("DB_REPLICA_COUNT=%d must be >= 0", count))
			count = 0
		}
		db.Replicas = make([]ConnectionConfig, 0, count)
		for i := 0; i < count; i++ {
			db.Replicas = append(db.Replicas, l.replicaFromEnv(db.Primary, i))
		}
	}

	if vt := os.Getenv("VECTOR_ENDPOINT_TYPE"); vt != "" {
		db.Vector = l.vectorFromEnv(EndpointType(vt))
	} else if db.Vector != nil {
		l.loadEndpoint("VECTOR", db.Vector)
	}

	s := &cfg.Startup
	s.Timeout = l.getEnvDuration("STARTUP_TIMEOUT", s.Timeout)
	s.MaxRetryAttempts = l.getEnvInt("STARTUP_MAX_RETRY_ATTEMPTS", s.MaxRetryAttempts)
	s.InitialBackoff = l.getEnvDuration("STARTUP_INITIAL_BACKOFF", s.InitialBackoff)
	s.MaxBackoff = l.getEnvDuration("STARTUP_MAX_BACKOFF", s.MaxBackoff)
	s.BackoffMultiplier = l.getEnvFloat("STARTUP_BACKOFF_MULTIPLIER", s.BackoffMultiplier)
	s.EnableRecovery = getEnvBool("STARTUP_ENABLE_RECOVERY", s.EnableRecovery)

	cfg.Container.HealthCheckInterval = l.getEnvDuration("CONTAINER_HEALTH_CHECK_INTERVAL", cfg.Container.HealthCheckInterval)
	cfg.Container.HealthCheckTimeout = l.getEnvDuration("CONTAINER_HEALTH_CHECK_TIMEOUT", cfg.Container.HealthCheckTimeout)

	cfg.Server.Address = getEnv("SERVER_ADDRESS", cfg.Server.Address)
	cfg.Server.ShutdownTimeout = l.getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = l.getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Metrics.Namespace = getEnv("METRICS_NAMESPACE", cfg.Metrics.Namespace)
}

// loadEndpoint applies <prefix>_* variables to an endpoint.
func (l *Loader) loadEndpoint(prefix string, ep *ConnectionConfig) {
	ep.Type = EndpointType(getEnv(prefix+"_ENDPOINT_TYPE", string(ep.Type)))
	ep.Region = getEnv(prefix+"_REGION", getEnv("AWS_REGION", ep.Region))
	ep.EndpointURL = getEnv(prefix+"_ENDPOINT_URL", ep.EndpointURL)
	ep.Table = getEnv(prefix+"_TABLE", ep.Table)
	ep.DSN = getEnv(prefix+"_DSN", ep.DSN)
	ep.APIKey = getEnv(prefix+"_API_KEY", ep.APIKey)
	ep.PoolSize = l.getEnvInt(prefix+"_POOL_SIZE", ep.PoolSize)
	ep.MaxOverflow = l.getEnvInt(prefix+"_MAX_OVERFLOW", ep.MaxOverflow)
	ep.PoolTimeout = l.getEnvDuration(prefix+"_POOL_TIMEOUT", ep.PoolTimeout)
	ep.IdleTimeout = l.getEnvDuration(prefix+"_IDLE_TIMEOUT", ep.IdleTimeout)
	ep.ConnectTimeout = l.getEnvDuration(prefix+"_CONNECT_TIMEOUT", ep.ConnectTimeout)
	ep.SSL.Enabled = getEnvBool(prefix+"_SSL", ep.SSL.Enabled)
	ep.SSL.Verify = getEnvBool(prefix+"_SSL_VERIFY", ep.SSL.Verify)
}

// replicaFromEnv derives replica i from the primary, overriding the
// per-replica location settings.
func (l *Loader) replicaFromEnv(primary ConnectionConfig, i int) ConnectionConfig {
	prefix := fmt.Sprintf("DB_REPLICA_%d", i)
	r := primary
	r.Name = fmt.Sprintf("replica-%d", i)
	r.Region = getEnv(prefix+"_REGION", primary.Region)
	r.EndpointURL = getEnv(prefix+"_ENDPOINT_URL", primary.EndpointURL)
	r.DSN = getEnv(prefix+"_DSN", primary.DSN)
	r.PoolSize = l.getEnvInt("DB_REPLICA_POOL_SIZE", primary.PoolSize)
	r.MaxOverflow = l.getEnvInt("DB_REPLICA_MAX_OVERFLOW", primary.MaxOverflow)
	return r
}

func (l *Loader) vectorFromEnv(t EndpointType) *ConnectionConfig {
	v := ConnectionConfig{
		Name:           "vector",
		Type:           t,
		Table:          "documents",
		VectorFunction: "match_documents",
		PoolSize:       3,
		MaxOverflow:    2,
		PoolTimeout:    30 * time.Second,
		IdleTimeout:    10 * time.Minute,
		ConnectTimeout: 10 * time.Second,
		SSL:            SSLConfig{Enabled: true, Verify: true},
	}
	if t == EndpointSupabase {
		v.EndpointURL = os.Getenv("SUPABASE_URL")
		v.APIKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	}
	l.loadEndpoint("VECTOR", &v)
	v.VectorFunction = getEnv("VECTOR_MATCH_FUNCTION", v.VectorFunction)
	return &v
}

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func (l *Loader) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		l.parseErrs = append(l.parseErrs, fmt.Sprintf("%s=%q is not an integer", key, value))
		return defaultValue
	}
	return intVal
}

func (l *Loader) getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.parseErrs = append(l.parseErrs, fmt.Sprintf("%s=%q is not a number", key, value))
		return defaultValue
	}
	return floatVal
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func (l *Loader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.parseErrs = append(l.parseErrs, fmt.Sprintf("%s=%q is not a duration", key, value))
		return defaultValue
	}
	return d
}
