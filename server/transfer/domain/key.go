package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTransferID returns a time-prefixed id with a random suffix. The
// time prefix keeps ids roughly sortable; the suffix makes collisions
// astronomically rare.
func NewTransferID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 16) + "-" + uuid.NewString()[:8]
}

// SanitizeName validates a client-supplied display name before it is
// used in key or path derivation. Anything that could escape the
// derived prefix is rejected rather than rewritten, so a sanitized
// name always round-trips through DeriveStorageKey/ParseStorageKey.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: display name is empty", ErrValidation)
	}
	if len(name) > 255 {
		return "", fmt.Errorf("%w: display name exceeds 255 bytes", ErrValidation)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: display name contains a path separator", ErrValidation)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("%w: display name contains a traversal sequence", ErrValidation)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: display name contains a control character", ErrValidation)
		}
	}
	return name, nil
}

// SanitizeOwnerID applies the same policy to owner ids, which also
// become key and path segments.
func SanitizeOwnerID(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner id is empty", ErrValidation)
	}
	for _, r := range ownerID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fmt.Errorf("%w: owner id contains %q", ErrValidation, r)
		}
	}
	if ownerID == "." || ownerID == ".." {
		return "", fmt.Errorf("%w: owner id contains a traversal sequence", ErrValidation)
	}
	return ownerID, nil
}

// DeriveStorageKey is a pure function of its inputs; every component
// can recompute it without a record lookup.
func DeriveStorageKey(ownerID, transferID, displayName string) string {
	return ownerID + "/" + transferID + "/" + displayName
}

// ParseStorageKey recovers (ownerID, transferID) from a storage key
// produced by DeriveStorageKey. Keys that are not exactly three
// non-empty segments are rejected; the relay must not trust anything
// else in a bucket notification.
func ParseStorageKey(key string) (ownerID, transferID string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: storage key %q is not owner/transfer/name", ErrValidation, key)
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", "", fmt.Errorf("%w: storage key %q has an empty segment", ErrValidation, key)
		}
	}
	return parts[0], parts[1], nil
}
