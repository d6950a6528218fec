// Package errors provides the unified error taxonomy used by the connection,
// dependency and startup layers. Every failure that crosses a package boundary
// is a *UnifiedError (possibly wrapped), so callers can decide on retry,
// recovery or abort by inspecting its Type instead of matching strings.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ============================================================================
// ERROR TYPES AND CLASSIFICATION
// ============================================================================

// ErrorType defines the category of error for retry and recovery decisions.
type ErrorType string

const (
	ErrorTypeConfiguration        ErrorType = "CONFIGURATION"
	ErrorTypePoolExhausted        ErrorType = "POOL_EXHAUSTED"
	ErrorTypePoolClosed           ErrorType = "POOL_CLOSED"
	ErrorTypeTimeout              ErrorType = "TIMEOUT"
	ErrorTypeConnection           ErrorType = "CONNECTION"
	ErrorTypeCircularDependency   ErrorType = "CIRCULAR_DEPENDENCY"
	ErrorTypeDependencyResolution ErrorType = "DEPENDENCY_RESOLUTION"
	ErrorTypeHealthCheck          ErrorType = "HEALTH_CHECK"
	ErrorTypeCapability           ErrorType = "CAPABILITY"
	ErrorTypeInternal             ErrorType = "INTERNAL"
)

// ErrorSeverity defines the severity level for logging and monitoring.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// recoverableTypes lists the error types that retry or recovery can resolve.
var recoverableTypes = map[ErrorType]bool{
	ErrorTypePoolExhausted: true,
	ErrorTypeTimeout:       true,
	ErrorTypeConnection:    true,
	ErrorTypeHealthCheck:   true,
}

// ============================================================================
// UNIFIED ERROR STRUCTURE
// ============================================================================

// UnifiedError is the single error type shared by the core packages.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`

	Severity    ErrorSeverity `json:"severity"`
	Recoverable bool          `json:"recoverable"`
	RetryAfter  time.Duration `json:"retryAfter,omitempty"`
	Cause       error         `json:"-"`

	// Chain holds the resolution path for circular dependency errors.
	Chain    []string       `json:"chain,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e *UnifiedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *UnifiedError of the same type and code.
// This lets sentinel-style comparisons work across wrapped instances.
func (e *UnifiedError) Is(target error) bool {
	t, ok := target.(*UnifiedError)
	if !ok {
		return false
	}
	return e.Type == t.Type && (t.Code == "" || e.Code == t.Code)
}

// ============================================================================
// ERROR BUILDER FOR FLUENT CONSTRUCTION
// ============================================================================

// ErrorBuilder provides a fluent interface for constructing UnifiedError instances.
type ErrorBuilder struct {
	error *UnifiedError
}

// NewError creates a new error builder with the specified type and message.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)

	return &ErrorBuilder{
		error: &UnifiedError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Severity:    SeverityMedium,
			Recoverable: recoverableTypes[errType],
			File:        file,
			Line:        line,
		},
	}
}

// WithDetails adds additional details to the error.
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.error.Details = details
	return b
}

// WithOperation specifies the operation that failed.
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.error.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.error.Resource = resource
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.error.Severity = severity
	return b
}

// WithRecoverable overrides the recoverability implied by the error type.
func (b *ErrorBuilder) WithRecoverable(recoverable bool) *ErrorBuilder {
	b.error.Recoverable = recoverable
	return b
}

// WithCause adds the underlying cause error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.error.Cause = cause
	return b
}

// WithRetryAfter sets how long to wait before retrying.
func (b *ErrorBuilder) WithRetryAfter(d time.Duration) *ErrorBuilder {
	b.error.RetryAfter = d
	b.error.Recoverable = true
	return b
}

// WithChain records a dependency resolution chain.
func (b *ErrorBuilder) WithChain(chain []string) *ErrorBuilder {
	b.error.Chain = append([]string(nil), chain...)
	return b
}

// WithMetadata attaches a key/value pair for diagnostics.
func (b *ErrorBuilder) WithMetadata(key string, value any) *ErrorBuilder {
	if b.error.Metadata == nil {
		b.error.Metadata = make(map[string]any)
	}
	b.error.Metadata[key] = value
	return b
}

// Build returns the constructed UnifiedError.
func (b *ErrorBuilder) Build() *UnifiedError {
	return b.error
}

// ============================================================================
// CLASSIFICATION HELPERS
// ============================================================================

// As extracts the outermost *UnifiedError from err.
func As(err error) (*UnifiedError, bool) {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// TypeOf returns the error type of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	if ue, ok := As(err); ok {
		return ue.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err is (or wraps) a UnifiedError of the given type.
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}
	var ue *UnifiedError
	for e := err; e != nil; {
		if errors.As(e, &ue) {
			if ue.Type == errType {
				return true
			}
			e = ue.Cause
			continue
		}
		break
	}
	return false
}

// IsRecoverable reports whether retrying or recovering from err makes sense.
// Foreign errors are treated as recoverable; only an explicit non-recoverable
// classification stops a retry loop.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if ue, ok := As(err); ok {
		return ue.Recoverable
	}
	return true
}

// Chain returns the circular dependency chain carried by err, if any.
func Chain(err error) []string {
	var ue *UnifiedError
	for e := err; e != nil; {
		if !errors.As(e, &ue) {
			return nil
		}
		if len(ue.Chain) > 0 {
			return ue.Chain
		}
		e = ue.Cause
	}
	return nil
}

// Is and Unwrap re-export the standard library helpers so callers importing
// this package under the name "errors" keep access to them.
func Is(err, target error) bool { return errors.Is(err, target) }

// Unwrap returns the result of calling Unwrap on err.
func Unwrap(err error) error { return errors.Unwrap(err) }

// New returns a plain error with the given text.
func New(text string) error { return errors.New(text) }

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error { return errors.Join(errs...) }
