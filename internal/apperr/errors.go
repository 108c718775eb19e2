// Package apperr provides the structured error taxonomy surfaced by the
// publication pipeline and the local HTTP API.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeValidation marks malformed or missing draft fields. Nothing was
	// sent over the network.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeSigning marks an unavailable signer or a declined signature.
	CodeSigning Code = "SIGNING_ERROR"

	// CodeConnection marks that no relay could be reached.
	CodeConnection Code = "CONNECTION_ERROR"

	// CodePublish marks a relay rejecting or failing to acknowledge an event.
	CodePublish Code = "PUBLISH_ERROR"

	// CodePublishInProgress marks a submission attempted while another one
	// is still in flight.
	CodePublishInProgress Code = "PUBLISH_IN_PROGRESS"

	// CodeNotFound marks a lookup for something the client does not hold.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnknown wraps anything that was not classified.
	CodeUnknown Code = "UNKNOWN_ERROR"
)

// Error is the structured application error.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails creates an error carrying structured details.
func WithDetails(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation builds a validation error from per-field problems.
func Validation(fields map[string]string) *Error {
	details := make(map[string]any, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	return &Error{
		Code:    CodeValidation,
		Message: "draft is invalid",
		Details: details,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Classify returns err as an *Error, wrapping it as CodeUnknown when it
// carries no classification. A nil err yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeUnknown, err.Error(), err)
}
