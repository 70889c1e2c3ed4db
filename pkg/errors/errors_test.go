package errors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindInvalidInput, "invalid_input"},
		{KindNotFound, "not_found"},
		{KindCanceled, "canceled"},
		{KindRateLimit, "rate_limit"},
		{KindTimeout, "timeout"},
		{KindNetwork, "network"},
		{KindServer, "server"},
		{KindStorage, "storage"},
		{KindInternal, "internal"},
		{Kind(99), "unknown"}, // Invalid kind
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "ingest.Open", Message: "fetch failed", Err: fmt.Errorf("connection refused")},
			expected: "ingest.Open: fetch failed: connection refused",
		},
		{
			name:     "op and err",
			err:      &Error{Op: "ingest.Open", Err: fmt.Errorf("connection refused")},
			expected: "ingest.Open: connection refused",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "ingest.Open", Message: "fetch failed"},
			expected: "ingest.Open: fetch failed",
		},
		{
			name:     "message and err",
			err:      &Error{Message: "fetch failed", Err: fmt.Errorf("connection refused")},
			expected: "fetch failed: connection refused",
		},
		{
			name:     "message only",
			err:      &Error{Message: "fetch failed"},
			expected: "fetch failed",
		},
		{
			name:     "empty error",
			err:      &Error{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err1 := &Error{Kind: KindNotFound, Message: "missing"}
	err2 := &Error{Kind: KindNotFound, Message: "different message"}
	err3 := &Error{Kind: KindNetwork, Message: "missing"}

	if !err1.Is(err2) {
		t.Error("Errors with same Kind should match")
	}
	if err1.Is(err3) {
		t.Error("Errors with different Kind should not match")
	}
	if err1.Is(fmt.Errorf("some error")) {
		t.Error("Should not match non-Error type")
	}
	if !Is(Wrap(ErrNotFound, "store.Memory.Get"), ErrNotFound) {
		t.Error("Wrap should keep the Kind of the wrapped error")
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		contains string
		kind     Kind
	}{
		{"with message", &APIError{StatusCode: 400, Message: "unrecognized sortKey"}, "unrecognized sortKey", KindInvalidInput},
		{"without message", &APIError{StatusCode: 503}, "Service Unavailable", KindServer},
		{"not found", &APIError{StatusCode: 404, Message: "not found"}, "http 404", KindNotFound},
		{"rate limited", &APIError{StatusCode: 429}, "Too Many Requests", KindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); !strings.Contains(got, tt.contains) {
				t.Errorf("Error() = %q, should contain %q", got, tt.contains)
			}
			if got := GetKind(fmt.Errorf("wrapped: %w", tt.err)); got != tt.kind {
				t.Errorf("GetKind() = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestE_Constructor(t *testing.T) {
	underlying := fmt.Errorf("underlying")
	err := E(KindNetwork, "ingest.Open", "connection failed", underlying)
	e, ok := err.(*Error)
	if !ok {
		t.Fatal("E() should return *Error")
	}
	if e.Kind != KindNetwork {
		t.Errorf("Kind = %v, want KindNetwork", e.Kind)
	}
	if e.Op != "ingest.Open" {
		t.Errorf("Op = %q, want 'ingest.Open'", e.Op)
	}
	if e.Message != "connection failed" {
		t.Errorf("Message = %q, want 'connection failed'", e.Message)
	}
	if e.Err != underlying {
		t.Error("Err should be set")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil, op) should return nil")
	}
	if WrapKind(nil, KindStorage, "op") != nil {
		t.Error("WrapKind(nil, ...) should return nil")
	}

	wrapped := WrapKind(fmt.Errorf("disk full"), KindStorage, "store.SQLite.AddMany")
	if GetKind(wrapped) != KindStorage {
		t.Errorf("GetKind() = %v, want KindStorage", GetKind(wrapped))
	}
}

func TestGetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"error", &Error{Kind: KindRateLimit}, KindRateLimit},
		{"wrapped error", fmt.Errorf("wrapper: %w", &Error{Kind: KindStorage}), KindStorage},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", fmt.Errorf("plain error"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.want {
				t.Errorf("GetKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusBadRequest, KindInvalidInput},
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusInternalServerError, KindServer},
		{http.StatusOK, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			if got := KindFromStatus(tt.code); got != tt.want {
				t.Errorf("KindFromStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", timeoutErr(), true},
		{"server 502", &APIError{StatusCode: 502}, true},
		{"server 501", &APIError{StatusCode: 501}, false},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"not found", ErrNotFound, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func timeoutErr() error {
	return &Error{Kind: KindTimeout, Message: "operation timed out"}
}
