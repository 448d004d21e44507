// Package gatewayerr defines the error taxonomy shared across the gateway:
// every operational failure surfaced to a socket or an HTTP caller is one of
// these kinds, carrying a stable machine code and an HTTP-family status.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error. It never changes meaning across releases;
// new kinds may be added but existing ones are not renamed.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not-found"
	KindRateLimit         Kind = "rate-limit"
	KindTimeout           Kind = "timeout"
	KindConnection        Kind = "connection"
	KindMessageDelivery   Kind = "message-delivery"
	KindBackendService    Kind = "backend-service"
	KindConfiguration     Kind = "configuration"
	KindDatabase          Kind = "database"
	KindExternalService   Kind = "external-service"
	KindResourceExhausted Kind = "resource-exhaustion"
	KindSocketEvent       Kind = "socket-event"
)

// statusByKind mirrors each kind to the HTTP status family a caller should
// see, used both by the push HTTP surface and (informationally) in logs.
var statusByKind = map[Kind]int{
	KindAuthentication:    http.StatusUnauthorized,
	KindAuthorization:     http.StatusForbidden,
	KindValidation:        http.StatusBadRequest,
	KindNotFound:          http.StatusNotFound,
	KindRateLimit:         http.StatusTooManyRequests,
	KindTimeout:           http.StatusGatewayTimeout,
	KindConnection:        http.StatusServiceUnavailable,
	KindMessageDelivery:   http.StatusBadGateway,
	KindBackendService:    http.StatusBadGateway,
	KindConfiguration:     http.StatusInternalServerError,
	KindDatabase:          http.StatusServiceUnavailable,
	KindExternalService:   http.StatusBadGateway,
	KindResourceExhausted: http.StatusServiceUnavailable,
	KindSocketEvent:       http.StatusBadRequest,
}

// Error is the gateway's canonical error shape. Operational errors are
// recoverable and safe to report to a caller; programmatic errors indicate a
// bug or unrecoverable misconfiguration and should terminate the process
// once logged.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Details     map[string]any
	Operational bool
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP-family status code associated with the error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an operational error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Operational: true}
}

// Wrap builds an operational error of the given kind around a causal error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Operational: true, cause: cause}
}

// Fatal marks an error as programmatic: configuration or invariant failures
// that should terminate the process after logging, never surfaced to a
// socket or HTTP caller as a recoverable condition.
func Fatal(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Operational: false, cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As reports whether err (or any error in its chain) is a *Error, writing it
// into target when so.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf returns the Kind of err if it (or its chain) carries one, and ok=false
// otherwise — useful at boundaries that must classify arbitrary errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
