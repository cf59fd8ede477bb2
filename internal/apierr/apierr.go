// Package apierr classifies gateway failures into a closed taxonomy and renders
// them as structured JSON error bodies.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is the closed failure taxonomy of the forwarding pipeline.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindConnectionError    Kind = "connection_error"
	KindHTTPError          Kind = "http_error"
	KindStreamError        Kind = "stream_error"
	KindUnknownError       Kind = "unknown_error"
	KindInvalidProvider    Kind = "invalid_provider"
	KindConfigurationError Kind = "configuration_error"
	KindModelDisabled      Kind = "model_disabled"
)

// Credential failures raised before a provider is selected.
const (
	CodeMissingCredential          = "missing_credential"
	CodeMalformedCredential        = "malformed_credential"
	CodeUnknownOrRevokedCredential = "unknown_or_revoked_credential"
)

// Category groups kinds by what the caller should do about them.
type Category string

const (
	CategoryTransient Category = "transient"
	CategoryPermanent Category = "permanent"
	CategoryPolicy    Category = "policy"
	CategoryUpstream  Category = "upstream"
)

// Error types reported in the "type" field.
const (
	TypeAuthentication = "authentication_error"
	TypeInvalidRequest = "invalid_request_error"
	TypePermission     = "permission_error"
	TypeUpstream       = "upstream_error"
	TypeGateway        = "gateway_error"
)

// Error is a classified, client-visible failure.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Category  Category       `json:"category"`
	Provider  string         `json:"provider,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Recovery  *Recovery      `json:"recovery,omitempty"`
	Context   map[string]any `json:"context,omitempty"`

	// Status is the HTTP status the error is served with.
	Status int `json:"-"`
	// Kind is empty for credential failures.
	Kind Kind `json:"-"`
	// RetryAfter is the upstream Retry-After hint in seconds, if any.
	RetryAfter int `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Provider, e.Message)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithProvider returns e tagged with the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRequestID returns e tagged with the correlation id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithContext attaches a context key/value.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New builds an error of the given kind with its default category, status
// and type.
func New(kind Kind, msg string) *Error {
	e := &Error{
		Code:     string(kind),
		Message:  msg,
		Kind:     kind,
		Category: CategoryFor(kind, 0),
		Status:   statusFor(kind, 0),
		Type:     typeFor(kind, 0),
	}
	return e
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Unauthorized builds one of the credential failures.
func Unauthorized(code, msg string) *Error {
	return &Error{
		Code:     code,
		Message:  msg,
		Type:     TypeAuthentication,
		Category: CategoryPermanent,
		Status:   http.StatusUnauthorized,
	}
}

// CodeRequestTooLarge rejects inbound bodies over the configured limit.
const CodeRequestTooLarge = "request_too_large"

// TooLarge rejects an inbound body larger than limit bytes.
func TooLarge(limit int64) *Error {
	return &Error{
		Code:     CodeRequestTooLarge,
		Message:  fmt.Sprintf("request body exceeds %d bytes", limit),
		Type:     TypeInvalidRequest,
		Category: CategoryPermanent,
		Status:   http.StatusRequestEntityTooLarge,
	}
}

// CodeRateLimited rejects a credential over its request rate.
const CodeRateLimited = "rate_limited"

// RateLimited rejects a request over the per-credential rate limit.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "request rate limit exceeded for this credential",
		Type:       TypeGateway,
		Category:   CategoryPolicy,
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// HTTPError classifies a non-2xx provider response.
func HTTPError(status int, msg string) *Error {
	return &Error{
		Code:     string(KindHTTPError),
		Message:  msg,
		Kind:     KindHTTPError,
		Category: CategoryFor(KindHTTPError, status),
		Status:   statusFor(KindHTTPError, status),
		Type:     typeFor(KindHTTPError, status),
	}
}

// CategoryFor maps a kind, and for http_error the upstream status, to its
// category.
func CategoryFor(kind Kind, status int) Category {
	switch kind {
	case KindTimeout, KindConnectionError, KindStreamError:
		return CategoryTransient
	case KindInvalidProvider, KindConfigurationError, KindModelDisabled:
		return CategoryPermanent
	case KindHTTPError:
		switch {
		case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
			return CategoryTransient
		default:
			return CategoryUpstream
		}
	}
	return CategoryTransient
}

func statusFor(kind Kind, upstream int) int {
	switch kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConnectionError, KindStreamError:
		return http.StatusBadGateway
	case KindInvalidProvider:
		return http.StatusNotFound
	case KindConfigurationError:
		return http.StatusBadRequest
	case KindModelDisabled:
		return http.StatusForbidden
	case KindHTTPError:
		if upstream >= 400 && upstream <= 599 {
			return upstream
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func typeFor(kind Kind, upstream int) string {
	switch kind {
	case KindInvalidProvider, KindConfigurationError:
		return TypeInvalidRequest
	case KindModelDisabled:
		return TypePermission
	case KindHTTPError:
		if upstream == http.StatusUnauthorized || upstream == http.StatusForbidden {
			return TypeAuthentication
		}
		return TypeUpstream
	}
	return TypeGateway
}

// Write renders err as {"error": {...}} with its status code.
func Write(w http.ResponseWriter, err *Error) {
	if err.RequestID != "" && w.Header().Get("X-Relay-Request-Id") == "" {
		w.Header().Set("X-Relay-Request-Id", err.RequestID)
	}
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]*Error{"error": err})
}

// MarshalEvent renders err as a terminal server-sent event.
func MarshalEvent(err *Error) []byte {
	body, _ := json.Marshal(map[string]*Error{"error": err})
	return []byte("event: error\ndata: " + string(body) + "\n\n")
}
