package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MinKeyLength is the shortest signing key the key ring considers strong.
const MinKeyLength = 32

// Key is a symmetric signing key.
type Key []byte

// KeyRing holds the two signing keys used by the service. Session tokens and
// download authorizations are signed with separate keys so that one cannot be
// forged from the other. Previous keys are accepted for verification only,
// which lets operators rotate a key without invalidating live tokens.
type KeyRing struct {
	session          Key
	download         Key
	previousSession  []Key
	previousDownload []Key
}

// KeyRingConfig names the secrets a KeyRing is built from.
type KeyRingConfig struct {
	Session          string
	Download         string
	PreviousSession  []string
	PreviousDownload []string
}

// NewKeyRing builds a KeyRing. Empty secrets are allowed here; consumers
// check HasSessionKey/HasDownloadKey and refuse to operate without them.
func NewKeyRing(cfg KeyRingConfig) *KeyRing {
	ring := &KeyRing{
		session:  Key(cfg.Session),
		download: Key(cfg.Download),
	}
	for _, s := range cfg.PreviousSession {
		if s != "" {
			ring.previousSession = append(ring.previousSession, Key(s))
		}
	}
	for _, s := range cfg.PreviousDownload {
		if s != "" {
			ring.previousDownload = append(ring.previousDownload, Key(s))
		}
	}
	return ring
}

// HasSessionKey reports whether a session signing key is configured.
func (k *KeyRing) HasSessionKey() bool { return k != nil && len(k.session) > 0 }

// HasDownloadKey reports whether a download signing key is configured.
func (k *KeyRing) HasDownloadKey() bool { return k != nil && len(k.download) > 0 }

// SessionKey returns the current session signing key.
func (k *KeyRing) SessionKey() Key { return k.session }

// DownloadKey returns the current download signing key.
func (k *KeyRing) DownloadKey() Key { return k.download }

// SessionKeys returns the keys accepted for session verification, current first.
func (k *KeyRing) SessionKeys() []Key {
	return append([]Key{k.session}, k.previousSession...)
}

// DownloadKeys returns the keys accepted for download verification, current first.
func (k *KeyRing) DownloadKeys() []Key {
	return append([]Key{k.download}, k.previousDownload...)
}

// Sign computes HMAC-SHA256 of msg under key.
func Sign(key Key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
