package tokens

import (
	"crypto/hmac"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/kertas/internal/crypto"
)

// DownloadAuthorization grants fetching one object until ExpiresAt. It is
// stateless: anyone holding it may use it any number of times until expiry.
type DownloadAuthorization struct {
	ObjectID      string `json:"fileId"`
	ExpiresAt     int64  `json:"expiry"`
	ClientAddress string `json:"clientAddress,omitempty"`
	Signature     string `json:"token"`
}

// downloadMessage is the signed tuple objectId|expiresAt[|clientAddress].
func downloadMessage(objectID string, expiresAt int64, clientAddress string) []byte {
	parts := []string{objectID, strconv.FormatInt(expiresAt, 10)}
	if clientAddress != "" {
		parts = append(parts, clientAddress)
	}
	return []byte(strings.Join(parts, "|"))
}

// IssueDownloadAuthorization signs access to objectID for ttl. When
// clientAddress is non-empty the authorization is only valid from that
// address.
func (s *Service) IssueDownloadAuthorization(objectID string, ttl time.Duration, clientAddress string) (DownloadAuthorization, error) {
	if !s.keys.HasDownloadKey() {
		return DownloadAuthorization{}, ErrMisconfigured.New("download key is not configured")
	}
	if objectID == "" {
		return DownloadAuthorization{}, Error.New("object id is required")
	}
	if ttl < time.Second {
		return DownloadAuthorization{}, Error.New("ttl %s is shorter than one second", ttl)
	}

	expiresAt := s.now().Add(ttl).Unix()
	sig := crypto.Sign(s.keys.DownloadKey(), downloadMessage(objectID, expiresAt, clientAddress))
	return DownloadAuthorization{
		ObjectID:      objectID,
		ExpiresAt:     expiresAt,
		ClientAddress: clientAddress,
		Signature:     hex.EncodeToString(sig),
	}, nil
}

// VerifyDownloadAuthorization recomputes the signature for the presented
// tuple and requires an exact match and now < expiresAt. Verification does
// not consume the authorization.
func (s *Service) VerifyDownloadAuthorization(objectID string, expiresAt int64, signature, clientAddress string) error {
	if !s.keys.HasDownloadKey() {
		return ErrMisconfigured.New("download key is not configured")
	}

	presented, err := hex.DecodeString(signature)
	if err != nil || len(presented) == 0 {
		return ErrInvalidToken.New("malformed signature")
	}

	msg := downloadMessage(objectID, expiresAt, clientAddress)
	valid := false
	for _, key := range s.keys.DownloadKeys() {
		if hmac.Equal(presented, crypto.Sign(key, msg)) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrInvalidToken.New("signature mismatch")
	}
	if s.now().Unix() >= expiresAt {
		return ErrExpiredToken.New("expired at %d", expiresAt)
	}
	return nil
}
