// Package apierrors defines the error kinds surfaced by the runtime
// (resource queue, supervisor, cache, dispatcher) and maps them onto
// HTTP status codes, so every handler resolves an error to a response
// the same way.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the runtime's error kinds. Sentinel errors
// below carry a Kind so callers can both errors.Is against a sentinel
// and inspect Kind for HTTP mapping.
type Kind string

const (
	KindInvalidRequirements Kind = "invalid_requirements"
	KindNotReady            Kind = "not_ready"
	KindInvalidForStatus    Kind = "invalid_for_status"
	KindNotFound            Kind = "not_found"
	KindNoHostForNode       Kind = "no_host_for_node"
	KindJobFailed           Kind = "job_failed"
	KindJobCancelled        Kind = "job_cancelled"
	KindCacheCorrupted      Kind = "cache_corrupted"
	KindInternal            Kind = "internal_error"
)

// Error is a kinded error carrying an operator-facing message.
type Error struct {
	Kind    Kind
	Message string
	// Detail carries extra diagnostic text, e.g. a captured worker traceback.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is(err, apierrors.ErrNotFound) style sentinel checks:
// two *Error values match if their Kind matches.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message, detail string) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// Sentinels for errors.Is comparisons where callers don't need a message.
var (
	ErrInvalidRequirements = &Error{Kind: KindInvalidRequirements}
	ErrNotReady            = &Error{Kind: KindNotReady}
	ErrInvalidForStatus    = &Error{Kind: KindInvalidForStatus}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrNoHostForNode       = &Error{Kind: KindNoHostForNode}
	ErrJobFailed           = &Error{Kind: KindJobFailed}
	ErrJobCancelled        = &Error{Kind: KindJobCancelled}
	ErrCacheCorrupted      = &Error{Kind: KindCacheCorrupted}
)

// HTTPStatus maps a Kind onto its status code: 400 for precondition
// failures, 404 for missing resources, 409 for JobFailed, JobCancelled
// and CacheCorrupted, 500 otherwise.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequirements, KindNotReady, KindInvalidForStatus:
		return http.StatusBadRequest
	case KindNotFound, KindNoHostForNode:
		return http.StatusNotFound
	case KindJobFailed, KindJobCancelled, KindCacheCorrupted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
