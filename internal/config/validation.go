package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"brain2-datacore/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report YAML key paths so messages match what operators edit.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct-tag rules and the cross-field rules between
// endpoints. It returns a non-recoverable ConfigurationError.
func (c *Config) Validate() error {
	var problems []string

	if err := structValidator().Struct(c); err != nil {
		problems = append(problems, formatValidationError(err)...)
	}

	problems = append(problems, c.Database.Primary.validateEndpoint()...)
	for i, r := range c.Database.Replicas {
		if r.Type != c.Database.Primary.Type {
			problems = append(problems, fmt.Sprintf("database.replicas[%d].type: %q must match primary type %q", i, r.Type, c.Database.Primary.Type))
		}
		problems = append(problems, r.validateEndpoint()...)
	}
	if c.Database.Vector != nil {
		problems = append(problems, c.Database.Vector.validateEndpoint()...)
	}
	if c.Startup.MaxBackoff > 0 && c.Startup.MaxBackoff < c.Startup.InitialBackoff {
		problems = append(problems, "startup.max_backoff: must be >= initial_backoff")
	}

	if len(problems) > 0 {
		return invalid("configuration validation failed", strings.Join(problems, "; "), nil)
	}
	return nil
}

// validateEndpoint applies the per-type requirements.
func (e ConnectionConfig) validateEndpoint() []string {
	var problems []string
	switch e.Type {
	case EndpointDynamoDB:
		if e.Table == "" {
			problems = append(problems, e.Name+".table: required for dynamodb endpoints")
		}
		if e.Region == "" && e.EndpointURL == "" {
			problems = append(problems, e.Name+".region: required for dynamodb endpoints without endpoint_url")
		}
		plain := strings.HasPrefix(e.EndpointURL, "http://")
		if plain && e.SSL.Enabled {
			problems = append(problems, e.Name+".ssl.enabled: endpoint_url uses http://")
		}
		if !plain && !e.SSL.Enabled {
			problems = append(problems, e.Name+".ssl.enabled: false requires an http:// endpoint_url")
		}
	case EndpointSupabase:
		if e.EndpointURL == "" || e.APIKey == "" {
			problems = append(problems, e.Name+": supabase endpoints require endpoint_url and api_key")
		}
		if e.VectorFunction == "" {
			problems = append(problems, e.Name+".vector_function: required for supabase endpoints")
		}
	case EndpointSQLite:
		if e.DSN == "" {
			problems = append(problems, e.Name+".dsn: required for sqlite endpoints")
		}
	}
	return problems
}

func formatValidationError(err error) []string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			out = append(out, fmt.Sprintf("%s: failed %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value()))
		} else {
			out = append(out, fmt.Sprintf("%s: failed %s", field, e.Tag()))
		}
	}
	return out
}

func invalid(message, details string, cause error) error {
	b := errors.Configuration(errors.CodeInvalidConfig, message).
		WithOperation("config.Load").
		WithDetails(details)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}
