// Package errors provides the error types shared by the vulnview packages.
// Errors carry a Kind so callers can classify failures (transport, invalid
// input, missing record, storage) without matching on strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all vulnview errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "store.SQLite.Query")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindCanceled
	KindRateLimit
	KindTimeout
	KindNetwork
	KindServer
	KindStorage
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindStorage:
		return "storage"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			if e.Message == "" {
				return fmt.Sprintf("%s: %v", e.Op, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// API Error
// =============================================================================

// APIError is an error response returned by the paged list/summary API.
type APIError struct {
	// StatusCode is the HTTP status code
	StatusCode int `json:"-"`

	// Message is the error text from the response body ({"error": "..."})
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Kind maps the status code onto an error Kind.
func (e *APIError) Kind() Kind {
	return KindFromStatus(e.StatusCode)
}

// KindFromStatus returns the Kind matching a non-success HTTP status code.
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindInvalidInput
	default:
		return KindUnknown
	}
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op or Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with the operation name. The Kind of a wrapped
// *Error or *APIError is preserved; context errors become KindCanceled or
// KindTimeout.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Op: op, Err: err}
}

// WrapKind wraps an error with an explicit Kind.
func WrapKind(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsAPIError checks if err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFoundError checks if the error is a not found error.
func IsNotFoundError(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsInvalidInput checks if the error is caused by invalid caller input.
func IsInvalidInput(err error) bool {
	return GetKind(err) == KindInvalidInput
}

// IsCanceled checks if the error comes from a canceled context.
func IsCanceled(err error) bool {
	return GetKind(err) == KindCanceled
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindRateLimit, KindNetwork, KindTimeout:
		return true
	}
	if apiErr, ok := IsAPIError(err); ok {
		// Retry on 5xx errors (except 501 Not Implemented)
		return apiErr.StatusCode >= 500 && apiErr.StatusCode != 501
	}
	return false
}

// Is, As and Unwrap re-export the standard library helpers so callers need a
// single errors import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrInvalidSortKey is returned for sort keys outside the recognized set.
	ErrInvalidSortKey = &Error{Kind: KindInvalidInput, Message: "unrecognized sort key"}

	// ErrInvalidSortDir is returned for sort directions other than asc/desc.
	ErrInvalidSortDir = &Error{Kind: KindInvalidInput, Message: "unrecognized sort direction"}

	// ErrInvalidPage is returned for negative offsets or limits.
	ErrInvalidPage = &Error{Kind: KindInvalidInput, Message: "offset and limit must not be negative"}

	// ErrClosed is returned when a closed backend is used.
	ErrClosed = &Error{Kind: KindStorage, Message: "backend is closed"}
)
