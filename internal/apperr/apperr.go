// Package apperr is the notification service's error taxonomy: a trimmed,
// purpose-scoped descendant of internal/errors.ApplicationError. Where that
// ErrorManager carries fourteen error types for a whole marketplace
// (database, integration, performance, security...), this package carries
// exactly the eleven the notification dispatch pipeline needs, each bound to
// the HTTP status and internal routing its design assigns it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy driving the dispatch pipeline's retry and
// HTTP response routing decisions.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindAuthn            Kind = "AUTHN"
	KindAuthz            Kind = "AUTHZ"
	KindNotFound         Kind = "NOT_FOUND"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindConcurrentState  Kind = "CONCURRENT_STATE"
	KindTransportTransient Kind = "TRANSPORT_TRANSIENT"
	KindTransportPermanent Kind = "TRANSPORT_PERMANENT"
	KindTemplateFatal    Kind = "TEMPLATE_FATAL"
	KindMissingVariable  Kind = "MISSING_VARIABLE"
	KindInternal         Kind = "INTERNAL"
)

// httpStatus maps a Kind to the status code the ingress envelope reports.
// TransportTransient/Permanent and TemplateFatal are internal-only and
// never directly serialize to a response; they are listed for
// completeness of the switch. ConcurrentState does surface directly, both
// from a stale notification CAS and from the admin cleanup endpoints'
// single-writer guard, so it maps to 409 Conflict rather than 500.
var httpStatus = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindAuthn:              http.StatusUnauthorized,
	KindAuthz:              http.StatusForbidden,
	KindNotFound:           http.StatusNotFound,
	KindRateLimited:        http.StatusTooManyRequests,
	KindConcurrentState:    http.StatusConflict,
	KindTransportTransient: http.StatusInternalServerError,
	KindTransportPermanent: http.StatusInternalServerError,
	KindTemplateFatal:      http.StatusInternalServerError,
	KindMissingVariable:    http.StatusInternalServerError,
	KindInternal:           http.StatusInternalServerError,
}

// Error is the application-wide error type. It carries enough to build the
// uniform HTTP envelope without leaking internals to callers.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	UserMessage string
	Cause       error
	Details     map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error whose UserMessage is the same text as message.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, UserMessage: message, Cause: cause}
}

func Validation(code, message string) *Error { return New(KindValidation, code, message, nil) }
func Authn(code, message string) *Error      { return New(KindAuthn, code, message, nil) }
func Authz(code, message string) *Error      { return New(KindAuthz, code, message, nil) }
func NotFound(code, message string) *Error   { return New(KindNotFound, code, message, nil) }

func RateLimited(retryAfterSeconds int) *Error {
	e := New(KindRateLimited, "RATE_LIMITED", "rate limit exceeded", nil)
	e.Details = map[string]interface{}{"retry_after_seconds": retryAfterSeconds}
	return e
}

func ConcurrentState(message string) *Error {
	return New(KindConcurrentState, "CONCURRENT_STATE", message, nil)
}

func TransportTransient(cause error) *Error {
	return New(KindTransportTransient, "TRANSPORT_TRANSIENT", "transport temporarily unavailable", cause)
}

func TransportPermanent(cause error) *Error {
	return New(KindTransportPermanent, "TRANSPORT_PERMANENT", "transport rejected delivery permanently", cause)
}

func TemplateFatal(code, message string) *Error {
	return New(KindTemplateFatal, code, message, nil)
}

// MissingVariable reports that a template referenced a required variable
// the notification did not supply. Fatal: the worker must not retry it.
func MissingVariable(name string) *Error {
	e := New(KindMissingVariable, "MISSING_VARIABLE", fmt.Sprintf("missing required template variable %q", name), nil)
	e.Details = map[string]interface{}{"variable": name}
	return e
}

func Internal(cause error) *Error {
	return New(KindInternal, "INTERNAL", "internal error", cause)
}

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// As extracts an *Error from err, following the Unwrap chain.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}

// Envelope is the uniform error response body returned to API callers.
type Envelope struct {
	Timestamp        string                 `json:"timestamp"`
	Status           int                    `json:"status"`
	Error            string                 `json:"error"`
	Message          string                 `json:"message"`
	Path             string                 `json:"path"`
	CorrelationID    string                 `json:"correlationId"`
	ValidationErrors map[string]string      `json:"validationErrors,omitempty"`
	AdditionalDetails map[string]interface{} `json:"additionalDetails,omitempty"`
}
