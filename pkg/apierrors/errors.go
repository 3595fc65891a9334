// Package apierrors defines the orchestrator's error taxonomy and the
// OperationError wrapper used to attach component/operation/resource
// context to errors as they cross component boundaries.
package apierrors

import (
	"errors"
	"fmt"
)

// Code is one of the error categories returned to callers of the runner.
type Code string

const (
	NotFound           Code = "NotFound"
	AlreadyExists      Code = "AlreadyExists"
	InvalidArgument    Code = "InvalidArgument"
	Unauthenticated    Code = "Unauthenticated"
	PermissionDenied   Code = "PermissionDenied"
	ResourceExhausted  Code = "ResourceExhausted"
	DeadlineExceeded   Code = "DeadlineExceeded"
	Unavailable        Code = "Unavailable"
	FailedPrecondition Code = "FailedPrecondition"
	Internal           Code = "Internal"
)

// retryable holds the codes the runner is permitted to retry on
// idempotent operations (GET, DELETE, sidecar /ready).
var retryable = map[Code]bool{
	Unavailable:      true,
	DeadlineExceeded: true,
}

// OperationError wraps a lower-level error with the component and
// operation that produced it, plus an optional resource identifier.
type OperationError struct {
	Code      Code
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: failed to %s", e.Component, e.Operation)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (%s)", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds an OperationError for a component/operation pair with
// no resource identifier.
func FailedTo(code Code, component, operation string, cause error) *OperationError {
	return &OperationError{Code: code, Operation: operation, Component: component, Cause: cause}
}

// FailedToWithDetails builds an OperationError naming the resource the
// operation acted on.
func FailedToWithDetails(code Code, component, operation, resource string, cause error) *OperationError {
	return &OperationError{Code: code, Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// Wrapf wraps cause with a formatted operation description, preserving code.
func Wrapf(code Code, component string, cause error, format string, args ...interface{}) *OperationError {
	return &OperationError{Code: code, Operation: fmt.Sprintf(format, args...), Component: component, Cause: cause}
}

func DatabaseError(component, operation string, cause error) *OperationError {
	return FailedTo(Unavailable, component, operation, cause)
}

func NetworkError(component, operation string, cause error) *OperationError {
	return FailedTo(Unavailable, component, operation, cause)
}

func ValidationError(component, operation string, cause error) *OperationError {
	return FailedTo(InvalidArgument, component, operation, cause)
}

func ConfigurationError(component, operation string, cause error) *OperationError {
	return FailedTo(Internal, component, operation, cause)
}

func TimeoutError(component, operation string, cause error) *OperationError {
	return FailedTo(DeadlineExceeded, component, operation, cause)
}

func AuthenticationError(component, operation string, cause error) *OperationError {
	return FailedTo(Unauthenticated, component, operation, cause)
}

func AuthorizationError(component, operation string, cause error) *OperationError {
	return FailedTo(PermissionDenied, component, operation, cause)
}

func ParseError(component, operation string, cause error) *OperationError {
	return FailedTo(InvalidArgument, component, operation, cause)
}

// IsRetryable reports whether the runner may retry the operation that
// produced err. Only Unavailable and DeadlineExceeded are retryable, and
// only for idempotent operations; callers are responsible for not
// calling this for POST /execute.
func IsRetryable(err error) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return retryable[opErr.Code]
	}
	return false
}

// Chain wraps cause with an additional operation frame, preserving the
// original code if cause is itself an OperationError, else defaulting to
// Internal.
func Chain(component, operation string, cause error) *OperationError {
	var opErr *OperationError
	code := Internal
	if errors.As(cause, &opErr) {
		code = opErr.Code
	}
	return &OperationError{Code: code, Operation: operation, Component: component, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to Internal when err is
// not an OperationError.
func CodeOf(err error) Code {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return Internal
}
