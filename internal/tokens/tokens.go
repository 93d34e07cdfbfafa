// Package tokens issues and verifies the two kinds of signed credentials the
// service hands out: drive sessions and per-object download authorizations.
package tokens

import (
	"time"

	"github.com/zeebo/errs"

	"github.com/ssd-technologies/kertas/internal/crypto"
)

var (
	// Error is the class for unexpected token failures.
	Error = errs.Class("tokens")

	ErrInvalidToken  = errs.Class("invalid token")
	ErrExpiredToken  = errs.Class("expired token")
	ErrMisconfigured = errs.Class("token service misconfigured")
)

// SessionLifetime is how long a drive session stays valid. Sessions are never
// renewed.
const SessionLifetime = 24 * time.Hour

// Service signs and verifies tokens with keys from a KeyRing. It holds no
// mutable state and is safe for concurrent use.
type Service struct {
	keys *crypto.KeyRing
	now  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A ring without the relevant key makes the
// matching operations fail with ErrMisconfigured instead of accepting
// anything.
func NewService(keys *crypto.KeyRing, opts ...Option) *Service {
	s := &Service{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
