package dpop

import "errors"

var (
	// ErrInvalidProof covers any malformed or non-verifying proof.
	ErrInvalidProof = errors.New("invalid dpop proof")

	// ErrReplay indicates the proof's jti was already presented within the
	// freshness window.
	ErrReplay = errors.New("dpop proof replay detected")

	// ErrStale indicates the proof's iat is outside the freshness window.
	ErrStale = errors.New("dpop proof outside freshness window")

	// ErrKeyMismatch indicates the proof key does not match the thumbprint
	// bound into the session.
	ErrKeyMismatch = errors.New("dpop key does not match bound thumbprint")

	// ErrInvalidJTI indicates an empty or malformed jti.
	ErrInvalidJTI = errors.New("invalid jti")

	// ErrCacheFull indicates the replay cache is at capacity.
	ErrCacheFull = errors.New("jti cache full")
)
