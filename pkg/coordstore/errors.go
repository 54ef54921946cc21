package coordstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContention classifies a set-if-absent that lost to an existing key.
	ErrContention = errors.New("coordination contention")
	// ErrStoreUnavailable classifies backend or transport failures.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	// ErrOwnershipMismatch classifies conditional operations whose expected value did not match.
	ErrOwnershipMismatch = errors.New("coordination ownership mismatch")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("coordination invalid argument")
)

func storeError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Contention builds an ErrContention error for key.
func Contention(key string) error {
	return storeError(ErrContention, fmt.Sprintf("key %q already present", key))
}

// OwnershipMismatch builds an ErrOwnershipMismatch error for key.
func OwnershipMismatch(key string) error {
	return storeError(ErrOwnershipMismatch, fmt.Sprintf("key %q not held by caller", key))
}

// Unavailable wraps a backend failure as ErrStoreUnavailable.
func Unavailable(operation string, cause error) error {
	if cause == nil {
		return storeError(ErrStoreUnavailable, operation)
	}
	return errors.Join(storeError(ErrStoreUnavailable, operation+" failed"), cause)
}

// InvalidArgument builds an ErrInvalidArgument error.
func InvalidArgument(message string) error {
	return storeError(ErrInvalidArgument, message)
}

// IsContention reports whether err is classified as contention.
func IsContention(err error) bool { return errors.Is(err, ErrContention) }

// IsUnavailable reports whether err is classified as a store outage.
func IsUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// IsOwnershipMismatch reports whether err is classified as an ownership mismatch.
func IsOwnershipMismatch(err error) bool { return errors.Is(err, ErrOwnershipMismatch) }

// IsInvalidArgument reports whether err is classified as a bad argument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// ValidateKey rejects empty keys before they reach a backend.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return InvalidArgument("key is required")
	}
	return nil
}

// JoinKey joins a namespace prefix and a key with a single ':' separator.
func JoinKey(prefix, key string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	key = strings.TrimSpace(key)
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
