package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when a transfer record with the
	// same (owner_id, transfer_id) pair already exists.
	ErrAlreadyExists = errors.New("transfer already exists")

	// ErrNotFound is returned when no record matches the key.
	ErrNotFound = errors.New("transfer not found")

	// ErrStaleState is returned when a conditional status transition
	// finds the stored status different from the expected one. A
	// worker that loses the race treats this as success.
	ErrStaleState = errors.New("transfer state is stale")

	// ErrValidation marks malformed input that must never be retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrCapacityExceeded marks a transfer that exhausted its attempt
	// budget and was routed to the dead-letter queue.
	ErrCapacityExceeded = errors.New("attempt limit exceeded")

	// ErrAuthorizationFailed is surfaced to the client when the blob
	// store refuses to issue a write capability.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrInternal covers unexpected conditions, e.g. a transfer id
	// collision surviving a regenerate-and-retry.
	ErrInternal = errors.New("internal error")
)

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
