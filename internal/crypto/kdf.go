package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/argon2"
)

// Error is the error class for key material and password hash problems.
var Error = errs.Class("crypto")

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32 // 256 bits
	saltLen      = 16

	hashPrefix = "$argon2id$"
)

// PasswordHash is a parsed argon2id hash in the PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>
type PasswordHash struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	Salt    []byte
	Key     []byte
}

func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// HashPassword derives an argon2id key from password with a fresh salt and
// returns it encoded in PHC string format.
func HashPassword(password string) string {
	h := PasswordHash{
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
		Salt:    GenerateSalt(),
	}
	h.Key = DeriveKey(password, h.Salt)
	return h.String()
}

// String encodes the hash in PHC string format.
func (h PasswordHash) String() string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix, argon2.Version, h.Memory, h.Time, h.Threads,
		enc.EncodeToString(h.Salt), enc.EncodeToString(h.Key))
}

// ParsePasswordHash decodes a PHC-formatted argon2id hash.
func ParsePasswordHash(encoded string) (*PasswordHash, error) {
	if !strings.HasPrefix(encoded, hashPrefix) {
		return nil, Error.New("unsupported password hash format")
	}
	parts := strings.Split(strings.TrimPrefix(encoded, hashPrefix), "$")
	if len(parts) != 4 {
		return nil, Error.New("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[0], "v=%d", &version); err != nil {
		return nil, Error.New("malformed password hash version: %v", err)
	}
	if version != argon2.Version {
		return nil, Error.New("unsupported argon2 version %d", version)
	}

	var h PasswordHash
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &h.Memory, &h.Time, &h.Threads); err != nil {
		return nil, Error.New("malformed password hash parameters: %v", err)
	}
	if h.Memory == 0 || h.Time == 0 || h.Threads == 0 {
		return nil, Error.New("password hash parameters must be positive")
	}

	var err error
	h.Salt, err = base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(h.Salt) == 0 {
		return nil, Error.New("malformed password hash salt")
	}
	h.Key, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(h.Key) == 0 {
		return nil, Error.New("malformed password hash key")
	}
	return &h, nil
}

// Verify reports whether password derives to the stored key. The comparison
// is constant time.
func (h *PasswordHash) Verify(password string) bool {
	if h == nil || len(h.Key) == 0 {
		return false
	}
	computed := argon2.IDKey([]byte(password), h.Salt, h.Time, h.Memory, h.Threads, uint32(len(h.Key)))
	return subtle.ConstantTimeCompare(h.Key, computed) == 1
}

// VerifyPassword parses encoded and checks password against it. Malformed
// hashes never verify.
func VerifyPassword(password, encoded string) bool {
	h, err := ParsePasswordHash(encoded)
	if err != nil {
		return false
	}
	return h.Verify(password)
}
