package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested record does not exist upstream.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that caller-supplied input failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBadRequest indicates that the remote service rejected the request
	// (for example an invalid query syntax). It is never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrUnavailable indicates that the remote service could not be reached
	// or kept failing after every retry attempt.
	ErrUnavailable = errors.New("service unavailable")

	// ErrMalformedResponse indicates the remote service answered with a body
	// that could not be parsed. It is treated as a transient failure.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrRateLimited indicates that the remote service answered 429.
	// It is absorbed by retries and never reaches the facade on its own.
	ErrRateLimited = errors.New("rate limited")

	// ErrDisabled indicates that the requested feature is turned off by configuration.
	ErrDisabled = errors.New("disabled")

	// ErrFulltextUnavailable indicates that no open-access full text could be located.
	ErrFulltextUnavailable = errors.New("fulltext unavailable")

	// ErrCancelled indicates that the caller abandoned the operation.
	ErrCancelled = errors.New("cancelled")
)

// ErrorKind is the closed set of failure categories exposed to callers.
type ErrorKind string

// Failure kinds.
const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindNotFound            ErrorKind = "not_found"
	KindBadRequest          ErrorKind = "bad_request"
	KindUnavailable         ErrorKind = "unavailable"
	KindDisabled            ErrorKind = "disabled"
	KindFulltextUnavailable ErrorKind = "fulltext_unavailable"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// KindOf classifies err into one of the failure kinds.
// A nil error has no kind and returns the empty string.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrDisabled):
		return KindDisabled
	case errors.Is(err, ErrFulltextUnavailable):
		return KindFulltextUnavailable
	// Exhausted retries wrap their last cause, which may be a per-attempt
	// timeout matching context.DeadlineExceeded. The caller's context was
	// still live, so they are unavailable rather than cancelled.
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrRateLimited):
		return KindUnavailable
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ExternalAPIError provides details about a non-success response from a
// remote service.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the sentinel taxonomy.
func (e *ExternalAPIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrUnavailable
	default:
		return ErrBadRequest
	}
}

// Retryable reports whether the response status is worth another attempt.
func (e *ExternalAPIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ParseError reports a response body that did not match the expected shape.
type ParseError struct {
	Source string
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: malformed response: %s: %v", e.Source, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: malformed response: %s", e.Source, e.Detail)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMalformedResponse}
	}
	return []error{ErrMalformedResponse, e.Cause}
}

// RetryExhaustedError is returned after the final failed attempt of a
// retried operation.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

// Unwrap exposes ErrUnavailable together with the last attempt's error.
func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrUnavailable, e.Last}
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewParseError creates a new ParseError.
func NewParseError(source, detail string, cause error) *ParseError {
	return &ParseError{
		Source: source,
		Detail: detail,
		Cause:  cause,
	}
}
