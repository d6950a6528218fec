package database

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/aws/smithy-go"

	"brain2-datacore/internal/errors"
)

// ClassifyAWSError maps a DynamoDB API error onto the unified taxonomy.
// Throttling and server faults are recoverable; a missing table is a
// configuration problem that no retry will fix.
func ClassifyAWSError(err error, operation, resource string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Timeout(errors.CodeAcquireTimeout, "request timed out").
			WithOperation(operation).
			WithResource(resource).
			WithCause(err).
			Build()
	}

	var ae smithy.APIError
	if stderrors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ResourceNotFoundException":
			return errors.Configuration(errors.CodeMissingResource, "table or resource not found").
				WithOperation(operation).
				WithResource(resource).
				WithDetails(ae.ErrorMessage()).
				WithCause(err).
				Build()

		case "ProvisionedThroughputExceededException", "RequestLimitExceeded",
			"ThrottlingException", "Throttling":
			return errors.Throttled(resource, time.Second, err)

		case "AccessDeniedException", "UnrecognizedClientException",
			"ValidationException", "InvalidSignatureException":
			return errors.Connection(errors.CodeConnectFailed, "request rejected by remote store").
				WithOperation(operation).
				WithResource(resource).
				WithDetails(ae.ErrorMessage()).
				WithCause(err).
				WithRecoverable(false).
				Build()
		}

		if ae.ErrorFault() == smithy.FaultServer {
			return errors.Connection(errors.CodeConnectFailed, "remote store fault").
				WithOperation(operation).
				WithResource(resource).
				WithCause(err).
				Build()
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.Connection(errors.CodeConnectFailed, "network error").
			WithOperation(operation).
			WithResource(resource).
			WithCause(err).
			Build()
	}

	return errors.Connection(errors.CodeConnectFailed, "remote store request failed").
		WithOperation(operation).
		WithResource(resource).
		WithCause(err).
		Build()
}
