package crypto

import "errors"

// Sentinel errors for crypto package operations.
// These errors enable reliable error classification using errors.Is().

// Identity errors.
var (
	// ErrKeyUnavailable indicates no identity key exists for this device.
	// This is fatal for the device's participation in encrypted calls.
	ErrKeyUnavailable = errors.New("no identity key available")

	// ErrInvalidPeerKey indicates a peer public key could not be parsed.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrUnsupportedAlgorithm indicates the key does not support the
	// requested operation (e.g. OAEP on an elliptic-curve key).
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm for this key")

	// ErrCryptoFailure indicates a low-level cryptographic operation failed.
	ErrCryptoFailure = errors.New("cryptographic operation failed")
)

// Envelope errors.
var (
	// ErrDecodeFailure indicates a malformed group-key envelope.
	ErrDecodeFailure = errors.New("malformed group key envelope")

	// ErrDecryptFailure indicates envelope authentication or decryption failed.
	ErrDecryptFailure = errors.New("group key envelope decryption failed")
)
