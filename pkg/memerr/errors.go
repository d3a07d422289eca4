// Package memerr defines the error taxonomy shared by providers, adapters
// and the HTTP layer. Every external failure is classified into one of a
// small set of kinds; the HTTP handler maps kinds to status codes and the
// retry layer dispatches on the retryable tag.
package memerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindInvalidRequest
	KindAPI
	KindRetryable
	KindDatabase
	KindNotFound
)

// Error carries a kind, a stable machine-readable code and a wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Internal reports a bug-class failure with no better classification.
func Internal(message string) *Error {
	return newError(KindInternal, "INTERNAL_SERVER_ERROR", message)
}

// Configuration reports a permanent misconfiguration (missing key, unknown
// provider). Surfaced at startup or on permission-denied from a provider.
func Configuration(message string) *Error {
	return newError(KindConfiguration, "CONFIGURATION_ERROR", message)
}

// InvalidRequest reports a schema or range violation in client input.
func InvalidRequest(message string) *Error {
	return newError(KindInvalidRequest, "INVALID_REQUEST", message)
}

// API reports a non-retryable upstream failure.
func API(message string) *Error {
	return newError(KindAPI, "API_SERVICE_UNAVAILABLE", message)
}

// Retryable reports a transient upstream failure eligible for retries.
// When retries are exhausted the retry layer surfaces it as-is; the HTTP
// mapping treats it the same as API.
func Retryable(message string) *Error {
	return newError(KindRetryable, "API_SERVICE_TEMPORARILY_UNAVAILABLE", message)
}

// Database wraps a vector store failure.
func Database(message string) *Error {
	return newError(KindDatabase, "DATABASE_SERVICE_UNAVAILABLE", message)
}

// NotFound reports missing memories. Currently expressed in-line as
// NOT_FOUND confirmations rather than a failing response.
func NotFound(message string) *Error {
	return newError(KindNotFound, "MEMORY_NOT_FOUND", message)
}

// IsRetryable reports whether err carries the retryable tag.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindRetryable
	}
	return false
}

// KindOf extracts the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code and error code of the JSON
// error envelope. Untyped errors map to 500 without leaking detail.
func HTTPStatus(err error) (int, string) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest, e.Code
	case KindNotFound:
		return http.StatusNotFound, e.Code
	case KindConfiguration, KindAPI, KindRetryable, KindDatabase:
		return http.StatusServiceUnavailable, e.Code
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}
