package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Envelope is the wire representation of an encrypted 256-bit group key.
// It has three variants, distinguished by structural inspection rather than
// an explicit type tag, for backward compatibility with deployed peers:
//
//   - ECDH-wrapped: "<senderPublicKeyB64>:<Base64 AEAD-sealed group key>"
//   - ECDH 1:1 bootstrap: a bare EC public key (< 150 chars, no ':');
//     the group key is the ECDH shared secret itself, never transmitted
//   - RSA-wrapped (legacy): Base64 OAEP ciphertext (>= 150 chars)
//
// The detection heuristic is a wire-compatibility constraint; changing it
// would break interoperability with existing peers.
type Envelope string

// EnvelopeFormat identifies the detected envelope variant.
type EnvelopeFormat uint8

const (
	// FormatECDHWrapped is an AEAD-sealed key under an ECDH-derived key.
	FormatECDHWrapped EnvelopeFormat = iota
	// FormatECDHBootstrap is a bare EC public key for 1:1 calls.
	FormatECDHBootstrap
	// FormatRSAWrapped is a legacy RSA-OAEP ciphertext.
	FormatRSAWrapped
)

// ecKeyMaxB64Len separates Base64 EC public keys (~88 chars for an
// uncompressed P-256 point) from RSA material (344 chars for a 2048-bit
// ciphertext, ~392 for a PKIX public key).
const ecKeyMaxB64Len = 150

// DetectFormat classifies an envelope by the legacy structural rules.
// Detection order matters: separator first, then length.
func (e Envelope) DetectFormat() EnvelopeFormat {
	if strings.Contains(string(e), ":") {
		return FormatECDHWrapped
	}
	if len(e) < ecKeyMaxB64Len {
		return FormatECDHBootstrap
	}
	return FormatRSAWrapped
}

// Codec encodes and decodes group-key envelopes using a device identity.
// It is stateless with respect to calls and sessions: no call data crosses
// it, and one Codec may serve any number of concurrent wrap/unwrap calls.
type Codec struct {
	identity *Identity
}

// NewCodec creates a codec bound to the given device identity.
func NewCodec(identity *Identity) *Codec {
	return &Codec{identity: identity}
}

// IsECPublicKey reports whether a Base64 public key is an EC key by the
// same length rule the envelope format uses.
func IsECPublicKey(publicKeyB64 string) bool {
	return len(publicKeyB64) < ecKeyMaxB64Len
}

// OwnPublicKeyBase64 returns the codec identity's public key, used as the
// bootstrap envelope in 1:1 calls.
func (c *Codec) OwnPublicKeyBase64() string {
	return c.identity.PublicKeyBase64()
}

// BootstrapKey derives the 1:1 call key from the peer's EC public key.
// Nothing is transmitted; both ends derive the same ECDH shared secret.
func (c *Codec) BootstrapKey(peerPublicKeyB64 string) ([32]byte, error) {
	return c.identity.DeriveSharedSecret(peerPublicKeyB64)
}

// Wrap encrypts a group key for the recipient identified by its
// Base64-encoded public key. Recipient keys shorter than 150 characters are
// EC keys and take the ECDH-wrapped path; longer keys are legacy RSA.
func (c *Codec) Wrap(groupKey [32]byte, recipientPublicKeyB64 string) (Envelope, error) {
	if len(recipientPublicKeyB64) < ecKeyMaxB64Len {
		return c.wrapECDH(groupKey, recipientPublicKeyB64)
	}
	return c.wrapRSA(groupKey, recipientPublicKeyB64)
}

func (c *Codec) wrapECDH(groupKey [32]byte, recipientPublicKeyB64 string) (Envelope, error) {
	secret, err := c.identity.DeriveSharedSecret(recipientPublicKeyB64)
	if err != nil {
		return "", err
	}
	defer WipeGroupKey(&secret)

	sealed, err := SealAEAD(secret, groupKey[:])
	if err != nil {
		return "", err
	}

	payload := base64.StdEncoding.EncodeToString(sealed)
	return Envelope(c.identity.PublicKeyBase64() + ":" + payload), nil
}

func (c *Codec) wrapRSA(groupKey [32]byte, recipientPublicKeyB64 string) (Envelope, error) {
	ciphertext, err := c.identity.EncryptRSA(groupKey[:], recipientPublicKeyB64)
	if err != nil {
		return "", err
	}
	return Envelope(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// Unwrap recovers the group key from an envelope, dispatching on the
// detected format. Returns ErrDecodeFailure for malformed input and
// ErrDecryptFailure when authentication or decryption fails.
func (c *Codec) Unwrap(envelope Envelope) ([32]byte, error) {
	format := envelope.DetectFormat()

	logrus.WithFields(logrus.Fields{
		"function":     "Unwrap",
		"format":       format,
		"envelope_len": len(envelope),
	}).Debug("Decoding group key envelope")

	switch format {
	case FormatECDHWrapped:
		return c.unwrapECDH(envelope)
	case FormatECDHBootstrap:
		// 1:1 bootstrap: the shared secret with the sender's key is the
		// group key; nothing was transmitted.
		return c.identity.DeriveSharedSecret(string(envelope))
	default:
		return c.unwrapRSA(envelope)
	}
}

func (c *Codec) unwrapECDH(envelope Envelope) ([32]byte, error) {
	parts := strings.SplitN(string(envelope), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return [32]byte{}, fmt.Errorf("%w: missing sender key or payload", ErrDecodeFailure)
	}

	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: payload is not valid Base64: %v", ErrDecodeFailure, err)
	}

	secret, err := c.identity.DeriveSharedSecret(parts[0])
	if err != nil {
		return [32]byte{}, err
	}
	defer WipeGroupKey(&secret)

	plaintext, err := OpenAEAD(secret, sealed)
	if err != nil {
		return [32]byte{}, err
	}
	if len(plaintext) != 32 {
		ZeroBytes(plaintext)
		return [32]byte{}, fmt.Errorf("%w: unexpected key length %d", ErrDecodeFailure, len(plaintext))
	}

	var key [32]byte
	copy(key[:], plaintext)
	ZeroBytes(plaintext)
	return key, nil
}

func (c *Codec) unwrapRSA(envelope Envelope) ([32]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(envelope))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: ciphertext is not valid Base64: %v", ErrDecodeFailure, err)
	}

	plaintext, err := c.identity.DecryptRSA(ciphertext)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	if len(plaintext) != 32 {
		ZeroBytes(plaintext)
		return [32]byte{}, fmt.Errorf("%w: unexpected key length %d", ErrDecodeFailure, len(plaintext))
	}

	var key [32]byte
	copy(key[:], plaintext)
	ZeroBytes(plaintext)
	return key, nil
}
