package tokens

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the claims carried by a drive session token.
type SessionClaims struct {
	DriveSlug string `json:"driveSlug"`
	jwt.RegisteredClaims
}

// ExpiresIn is the remaining lifetime in whole seconds at the given unix time.
func (c *SessionClaims) ExpiresIn(now int64) int64 {
	if c.ExpiresAt == nil {
		return 0
	}
	left := c.ExpiresAt.Unix() - now
	if left < 0 {
		return 0
	}
	return left
}

// IssueDriveSession signs a session for driveSlug valid for SessionLifetime.
func (s *Service) IssueDriveSession(driveSlug string) (string, *SessionClaims, error) {
	if !s.keys.HasSessionKey() {
		return "", nil, ErrMisconfigured.New("session key is not configured")
	}
	if driveSlug == "" {
		return "", nil, Error.New("drive slug is required")
	}

	now := s.now()
	claims := &SessionClaims{
		DriveSlug: driveSlug,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.keys.SessionKey()))
	if err != nil {
		return "", nil, Error.Wrap(err)
	}
	return token, claims, nil
}

// VerifyDriveSession checks the signature against the current and previous
// session keys and the expiry against the clock. A token whose expiry is not
// after now is expired.
func (s *Service) VerifyDriveSession(token string) (*SessionClaims, error) {
	if !s.keys.HasSessionKey() {
		return nil, ErrMisconfigured.New("session key is not configured")
	}
	if token == "" {
		return nil, ErrInvalidToken.New("empty token")
	}

	var lastErr error
	for _, key := range s.keys.SessionKeys() {
		claims := &SessionClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return []byte(key), nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(s.now),
		)
		switch {
		case err == nil:
			if claims.DriveSlug == "" {
				return nil, ErrInvalidToken.New("missing drive slug")
			}
			return claims, nil
		case errors.Is(err, jwt.ErrTokenExpired):
			// The signature verified under this key, so the token is
			// authentic but stale.
			return nil, ErrExpiredToken.Wrap(err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			lastErr = err
			continue
		default:
			return nil, ErrInvalidToken.Wrap(err)
		}
	}
	return nil, ErrInvalidToken.Wrap(lastErr)
}
