package objectstore

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/errs"
)

var (
	// Error wraps failures that are not attributable to the upstream.
	Error = errs.Class("objectstore")

	ErrNotFound        = errs.Class("object not found")
	ErrForbidden       = errs.Class("access to object forbidden")
	ErrUnauthenticated = errs.Class("object store credentials rejected")
	ErrRateLimited     = errs.Class("object store rate limited")
	ErrRangeInvalid    = errs.Class("requested range not satisfiable")
	ErrUnknown         = errs.Class("object store error")
)

// Classify maps an upstream failure, described by its HTTP status (0 when
// unknown) and message, onto the error taxonomy.
func Classify(status int, message string, cause error) error {
	if cause == nil {
		cause = errors.New(message)
	}
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeInvalid.Wrap(cause)
	case status == http.StatusNotFound || strings.Contains(msg, "not found") || strings.Contains(msg, "notfound"):
		return ErrNotFound.Wrap(cause)
	case status == http.StatusTooManyRequests || strings.Contains(msg, "rate limit") || strings.Contains(msg, "ratelimit") ||
		strings.Contains(msg, "quota"):
		return ErrRateLimited.Wrap(cause)
	case status == http.StatusUnauthorized || strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "invalid credentials") ||
		strings.Contains(msg, "invalid_grant"):
		return ErrUnauthenticated.Wrap(cause)
	case status == http.StatusForbidden || strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission") ||
		strings.Contains(msg, "insufficient"):
		return ErrForbidden.Wrap(cause)
	}
	return ErrUnknown.Wrap(cause)
}

// Classified reports whether err already belongs to the taxonomy.
func Classified(err error) bool {
	return ErrNotFound.Has(err) || ErrForbidden.Has(err) || ErrUnauthenticated.Has(err) ||
		ErrRateLimited.Has(err) || ErrRangeInvalid.Has(err) || ErrUnknown.Has(err)
}

// StatusCode is the HTTP status a caller should see for err.
func StatusCode(err error) int {
	switch {
	case ErrNotFound.Has(err):
		return http.StatusNotFound
	case ErrForbidden.Has(err):
		return http.StatusForbidden
	case ErrUnauthenticated.Has(err):
		return http.StatusUnauthorized
	case ErrRateLimited.Has(err):
		return http.StatusTooManyRequests
	case ErrRangeInvalid.Has(err):
		return http.StatusRequestedRangeNotSatisfiable
	}
	return http.StatusInternalServerError
}

// PublicMessage is the client-safe description of err. Upstream details are
// never included.
func PublicMessage(err error) string {
	switch {
	case ErrNotFound.Has(err):
		return "file not found"
	case ErrForbidden.Has(err):
		return "access to file denied by storage provider"
	case ErrUnauthenticated.Has(err):
		return "storage provider authentication failed"
	case ErrRateLimited.Has(err):
		return "storage provider rate limit exceeded, retry later"
	case ErrRangeInvalid.Has(err):
		return "requested range not satisfiable"
	}
	return "storage provider error"
}

// IsCanceled reports whether err was caused by the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
