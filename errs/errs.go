// Package errs provides structured error types and helpers for pulse components.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category shared by storage, transport and delivery.
type Code string

const (
	// CodeRateLimited indicates that the collector throttled the request (HTTP 429).
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates an invalid or revoked write key (HTTP 401/403).
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input or a malformed payload.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates the source is unknown or disabled (HTTP 404).
	CodeNotFound Code = "not_found"
	// CodePayloadTooLarge indicates that the collector rejected the body size (HTTP 413).
	CodePayloadTooLarge Code = "payload_too_large"
	// CodeNetwork indicates a network transport failure before a response was received.
	CodeNetwork Code = "network"
	// CodeTimeout indicates the request timed out.
	CodeTimeout Code = "timeout"
	// CodeServer indicates a collector-side failure (HTTP 5xx).
	CodeServer Code = "server"
	// CodeUnavailable indicates the component is shut down or saturated.
	CodeUnavailable Code = "unavailable"
	// CodeStorage indicates a persistence failure (disk full, permission denied).
	CodeStorage Code = "storage"
	// CodeMalformedResponse indicates the collector answered with an unreadable response.
	CodeMalformedResponse Code = "malformed_response"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the pulse stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	Reference string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		Reference: "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithReference records the batch reference the failure relates to.
func WithReference(ref string) Option {
	trimmed := strings.TrimSpace(ref)
	return func(e *E) {
		e.Reference = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Reference != "" {
		parts = append(parts, "reference="+strconv.Quote(e.Reference))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Retryable reports whether a delivery attempt failing with this error may succeed later.
func (e *E) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeRateLimited, CodeNetwork, CodeTimeout, CodeServer, CodeMalformedResponse, CodeUnknown:
		return true
	default:
		return false
	}
}

// RetryReason renders the reason string sent to the collector alongside a retried batch.
func (e *E) RetryReason() string {
	if e == nil {
		return "client-unknown"
	}
	switch e.Code {
	case CodeTimeout:
		return "client-timeout"
	case CodeNetwork:
		return "client-network"
	case CodeRateLimited, CodeServer:
		if e.HTTP > 0 {
			return "server-" + strconv.Itoa(e.HTTP)
		}
		return "client-network"
	default:
		return "client-unknown"
	}
}

// FromStatus maps a non-2xx HTTP status onto the delivery taxonomy.
func FromStatus(component string, status int, opts ...Option) *E {
	code := CodeInvalid
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status == http.StatusRequestTimeout:
		code = CodeTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuth
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusRequestEntityTooLarge:
		code = CodePayloadTooLarge
	case status >= 500:
		code = CodeServer
	case status >= 400:
		code = CodeInvalid
	default:
		code = CodeMalformedResponse
	}
	all := append([]Option{WithHTTP(status)}, opts...)
	return New(component, code, all...)
}

// CodeOf extracts the code of the first *E in err's chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err carries a retryable classification.
// Errors without an envelope are treated as retryable so they never cause data loss.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *E
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}
