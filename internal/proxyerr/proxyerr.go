// Package proxyerr implements the request-boundary error taxonomy: every
// error a stream request can fail with collapses into one of six kinds,
// each with a fixed HTTP status, mirroring the phase+err wrapping
// internal/tuner/gateway.go used for its ffmpeg relay errors.
package proxyerr

import (
	"fmt"
	"net/http"
)

// Kind classifies a ProxyError for HTTP status mapping and logging.
type Kind int

const (
	// Transport is an upstream network I/O failure.
	Transport Kind = iota
	// NotFound is an unknown virtual id, user, or field.
	NotFound
	// Forbidden is valid credentials but denied admission.
	Forbidden
	// Exhausted is provider slot unavailability.
	Exhausted
	// Parse is a malformed request path or parameter.
	Parse
	// Internal is local I/O, index corruption, or lock failure.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Exhausted:
		return "exhausted"
	case Parse:
		return "parse"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// ProxyError is the error type every router handler returns; it carries
// enough to both answer the client and log the failure.
type ProxyError struct {
	Kind  Kind
	Phase string // e.g. "resolve_user", "allocate_provider", "hls_rewrite"
	Err   error
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("proxyerr: %s: %s", e.Phase, e.Kind)
	}
	return fmt.Sprintf("proxyerr: %s: %s: %v", e.Phase, e.Kind, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New wraps err under phase with kind.
func New(kind Kind, phase string, err error) *ProxyError {
	return &ProxyError{Kind: kind, Phase: phase, Err: err}
}

// HTTPStatus maps a Kind to the status code the router writes.
// Exhausted is fixed at 503: capacity exhaustion is transient, not an
// authorization decision, so it is kept distinct from Forbidden's 403.
func (k Kind) HTTPStatus() int {
	switch k {
	case Transport:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Exhausted:
		return http.StatusServiceUnavailable
	case Parse:
		return http.StatusBadRequest
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus is a convenience that unwraps a plain error to its status,
// defaulting to 500 for anything not a *ProxyError.
func HTTPStatus(err error) int {
	if pe, ok := err.(*ProxyError); ok {
		return pe.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}
