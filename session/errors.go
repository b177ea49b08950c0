package session

import "errors"

// Sentinel errors for session package operations.
var (
	// ErrNoKeyEstablished indicates encryption was attempted before any
	// group key was installed. Callers must not start sending media before
	// key establishment; this is a precondition violation, not transient.
	ErrNoKeyEstablished = errors.New("no group key established")

	// ErrMalformedCiphertext indicates a media frame shorter than the
	// minimum nonce-plus-tag length. The frame is dropped, not fatal.
	ErrMalformedCiphertext = errors.New("malformed ciphertext: frame too short")

	// ErrDecryptFailure indicates a frame could not be decrypted with any
	// of the current, backup, or future keys. This is the sole trigger for
	// the emergency key recovery protocol.
	ErrDecryptFailure = errors.New("frame decryption failed with all known keys")
)
