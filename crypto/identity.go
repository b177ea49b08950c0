package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived AEAD keys to this protocol context.
var hkdfInfo = []byte("group-call media key v1")

// Identity is a device's long-term asymmetric identity, one per
// (userID, deviceID) pair. It is created once at first use and persists
// until an explicit Wipe at logout. The private key stays behind the
// KeyStore; Identity holds only a reference.
type Identity struct {
	userID       string
	deviceID     string
	store        KeyStore
	ref          KeyRef
	publicKeyB64 string
}

// NewIdentity loads the device identity from the key store, generating a
// fresh keypair if none exists yet.
func NewIdentity(userID, deviceID string, store KeyStore) (*Identity, error) {
	if store == nil {
		return nil, errors.New("key store cannot be nil")
	}

	ref, err := store.LoadPrivateKeyRef()
	if err != nil {
		if !errors.Is(err, ErrKeyUnavailable) {
			return nil, fmt.Errorf("failed to load identity key: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"function": "NewIdentity",
			"user_id":  userID,
			"device":   deviceID,
		}).Info("No identity key found, generating")

		ref, _, err = store.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity keypair: %w", err)
		}
	}

	return &Identity{
		userID:       userID,
		deviceID:     deviceID,
		store:        store,
		ref:          ref,
		publicKeyB64: ref.PublicKeyBase64(),
	}, nil
}

// UserID returns the owning user ID.
func (id *Identity) UserID() string { return id.userID }

// DeviceID returns the owning device ID.
func (id *Identity) DeviceID() string { return id.deviceID }

// Algorithm reports the identity key type.
func (id *Identity) Algorithm() Algorithm {
	if id.ref == nil {
		return AlgorithmECP256
	}
	return id.ref.Algorithm()
}

// PublicKeyBase64 returns the Base64-encoded identity public key.
func (id *Identity) PublicKeyBase64() string { return id.publicKeyB64 }

// DeriveSharedSecret computes a 256-bit symmetric key from ECDH between this
// device's private key and a peer's Base64-encoded P-256 public key. The raw
// ECDH output is expanded through HKDF-SHA256 so the result is uniformly
// distributed and bound to this protocol.
func (id *Identity) DeriveSharedSecret(peerPublicKeyB64 string) ([32]byte, error) {
	if id.ref == nil {
		return [32]byte{}, ErrKeyUnavailable
	}

	peerBytes, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: not valid Base64: %v", ErrInvalidPeerKey, err)
	}

	secret, err := id.ref.ECDH(peerBytes)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "DeriveSharedSecret",
			"user_id":         id.userID,
			"peer_key_prefix": truncateForLog(peerPublicKeyB64),
			"error":           err.Error(),
		}).Error("ECDH computation failed")
		return [32]byte{}, err
	}
	defer ZeroBytes(secret)

	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("%w: HKDF expansion: %v", ErrCryptoFailure, err)
	}

	return key, nil
}

// EncryptRSA wraps a raw symmetric key with RSA-OAEP-SHA256 under the
// recipient's Base64-encoded PKIX public key (legacy peers).
func (id *Identity) EncryptRSA(rawKey []byte, recipientPublicKeyB64 string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(recipientPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid Base64: %v", ErrInvalidPeerKey, err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key is %T, OAEP requires RSA", ErrUnsupportedAlgorithm, parsed)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, rawKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return ciphertext, nil
}

// DecryptRSA unwraps an RSA-OAEP-SHA256 ciphertext with this device's
// private key.
func (id *Identity) DecryptRSA(ciphertext []byte) ([]byte, error) {
	if id.ref == nil {
		return nil, ErrKeyUnavailable
	}
	return id.ref.DecryptOAEP(ciphertext)
}

// Wipe deletes the private key from the key store (logout).
// The Identity must not be used afterwards.
func (id *Identity) Wipe() bool {
	logrus.WithFields(logrus.Fields{
		"function": "Wipe",
		"user_id":  id.userID,
		"device":   id.deviceID,
	}).Info("Deleting identity private key")

	id.ref = nil
	id.publicKeyB64 = ""
	return id.store.DeletePrivateKey()
}

// GenerateGroupKey creates a new random 256-bit group media key.
func GenerateGroupKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return key, nil
}

// truncateForLog shortens key material identifiers for log fields.
func truncateForLog(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
