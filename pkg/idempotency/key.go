package idempotency

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxKeyLength is the longest accepted idempotency key.
const MaxKeyLength = 255

// generatedKeyPrefix marks keys synthesized by the server.
const generatedKeyPrefix = "auto_"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrKeyRequired is returned for an empty key.
	ErrKeyRequired = errors.New("idempotency key is required")
	// ErrKeyTooLong is returned for keys longer than MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key must be at most 255 characters")
	// ErrKeyInvalidChars is returned for keys outside [A-Za-z0-9_-].
	ErrKeyInvalidChars = errors.New("idempotency key may only contain letters, digits, '-' and '_'")
)

// ValidateKey checks the shape of a client supplied key.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrKeyRequired
	case len(key) > MaxKeyLength:
		return ErrKeyTooLong
	case !keyPattern.MatchString(key):
		return ErrKeyInvalidChars
	}
	return nil
}

// GenerateKey returns a fresh server-side key. A generated key cannot
// deduplicate client retries, since every retry receives a new one.
func GenerateKey() string {
	return generatedKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsGeneratedKey reports whether key was produced by GenerateKey.
func IsGeneratedKey(key string) bool {
	return strings.HasPrefix(key, generatedKeyPrefix)
}

// IsMalformedKey reports whether err came from ValidateKey.
func IsMalformedKey(err error) bool {
	return errors.Is(err, ErrKeyRequired) || errors.Is(err, ErrKeyTooLong) || errors.Is(err, ErrKeyInvalidChars)
}
