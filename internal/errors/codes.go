package errors

import (
	"fmt"
	"strings"
	"time"
)

// Standard error codes.
const (
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeMissingResource     = "MISSING_RESOURCE"
	CodePoolExhausted       = "POOL_EXHAUSTED"
	CodePoolClosed          = "POOL_CLOSED"
	CodeAcquireTimeout      = "ACQUIRE_TIMEOUT"
	CodeStartupTimeout      = "STARTUP_TIMEOUT"
	CodeConnectFailed       = "CONNECT_FAILED"
	CodeNoPrimary           = "NO_PRIMARY"
	CodeCircularDependency  = "CIRCULAR_DEPENDENCY"
	CodeDependencyNotFound  = "DEPENDENCY_NOT_FOUND"
	CodeConstructionFailed  = "CONSTRUCTION_FAILED"
	CodeHealthCheckFailed   = "HEALTH_CHECK_FAILED"
	CodeVectorUnsupported   = "VECTOR_UNSUPPORTED"
	CodeItemsUnsupported    = "ITEMS_UNSUPPORTED"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeThrottled           = "THROTTLED"
	CodeRegistrationInvalid = "REGISTRATION_INVALID"
	CodeRepositoryNotBound  = "REPOSITORY_NOT_BOUND"
	CodePhaseFailed         = "PHASE_FAILED"
)

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Configuration creates a non-recoverable configuration error builder.
func Configuration(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConfiguration, code, message).WithSeverity(SeverityCritical)
}

// PoolExhausted creates the error returned when no connection can be handed out.
func PoolExhausted(endpoint string, limit int) *UnifiedError {
	return NewError(ErrorTypePoolExhausted, CodePoolExhausted, "connection pool exhausted").
		WithResource(endpoint).
		WithDetails(fmt.Sprintf("all %d connections in use", limit)).
		WithSeverity(SeverityHigh).
		Build()
}

// PoolClosed creates the error returned when operating on a closed pool.
func PoolClosed(endpoint string) *UnifiedError {
	return NewError(ErrorTypePoolClosed, CodePoolClosed, "connection pool is closed").
		WithResource(endpoint).
		Build()
}

// Timeout creates a recoverable timeout error builder.
func Timeout(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message)
}

// Connection creates a recoverable connection error builder.
func Connection(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConnection, code, message).WithSeverity(SeverityHigh)
}

// HealthCheck creates a recoverable health check error builder.
func HealthCheck(message string) *ErrorBuilder {
	return NewError(ErrorTypeHealthCheck, CodeHealthCheckFailed, message).WithSeverity(SeverityLow)
}

// CircularDependency creates the error raised when a resolution chain loops.
// The chain ends with the name that closed the loop, e.g. [A B A].
func CircularDependency(chain []string) *UnifiedError {
	return NewError(ErrorTypeCircularDependency, CodeCircularDependency, "circular dependency detected").
		WithDetails(strings.Join(chain, " -> ")).
		WithChain(chain).
		WithSeverity(SeverityCritical).
		Build()
}

// DependencyResolution wraps a construction failure for the named dependency.
func DependencyResolution(name, code string, cause error) *UnifiedError {
	return NewError(ErrorTypeDependencyResolution, code, "failed to resolve dependency").
		WithResource(name).
		WithCause(cause).
		WithSeverity(SeverityHigh).
		Build()
}

// Capability creates the error raised when an endpoint lacks a required capability.
func Capability(code, endpoint, capability string) *UnifiedError {
	return NewError(ErrorTypeCapability, code, "endpoint lacks required capability").
		WithResource(endpoint).
		WithDetails(capability).
		Build()
}

// Throttled creates a recoverable connection error carrying a retry hint.
func Throttled(endpoint string, retryAfter time.Duration, cause error) *UnifiedError {
	return Connection(CodeThrottled, "request throttled by remote store").
		WithResource(endpoint).
		WithRetryAfter(retryAfter).
		WithCause(cause).
		Build()
}
