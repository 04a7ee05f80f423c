package idempotency

import "errors"

var (
	// ErrKeyRequired is returned when the endpoint requires an idempotency key
	// and the request did not carry one.
	ErrKeyRequired = errors.New("idempotency key is required for this operation")

	// ErrKeyTooLong is returned when the supplied idempotency key exceeds
	// the maximum allowed length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length")

	// ErrKeyReused is returned when an idempotency key is presented with a
	// request whose fingerprint differs from the one the key was first used
	// with. This indicates a client bug, not a timing race.
	ErrKeyReused = errors.New("idempotency key reused with a different request payload")

	// ErrNoPrincipal signals a wiring bug in the calling layer: coordination
	// was invoked without an authenticated principal.
	ErrNoPrincipal = errors.New("idempotency coordination requires an authenticated principal")

	// ErrNotFound is returned by Store.Read when no record exists for a key.
	ErrNotFound = errors.New("idempotency record not found")
)
