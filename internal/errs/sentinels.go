// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist (or belongs to another user).
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalid indicates a malformed request shape (empty payload, bad window, ...).
	ErrInvalid = errors.New("invalid request")

	// ErrConflict indicates the entity is in a state that forbids the operation,
	// e.g. retrying enrichment while the record is still pending.
	ErrConflict = errors.New("conflict")

	// ErrStaleTask indicates an enrichment task no longer matches the record
	// (deleted, already terminal, or superseded by a newer retry).
	ErrStaleTask = errors.New("stale enrichment task")

	// ErrRateLimited indicates the user's enrichment quota is exhausted.
	ErrRateLimited = errors.New("rate limited")
)
