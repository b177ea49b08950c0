package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Algorithm identifies the asymmetric algorithm backing an identity key.
type Algorithm uint8

const (
	// AlgorithmECP256 is an elliptic-curve P-256 keypair, the preferred
	// identity type, normally backed by a hardware-isolated key store.
	AlgorithmECP256 Algorithm = iota
	// AlgorithmRSA2048 is the software RSA-2048 fallback used when
	// hardware isolation is unavailable.
	AlgorithmRSA2048
)

// String returns a human-readable algorithm name for logging.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmECP256:
		return "ec-p256"
	case AlgorithmRSA2048:
		return "rsa-2048"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// KeyRef is an opaque reference to a private key held by a KeyStore.
// The private key material never crosses this interface; only derived
// shared secrets and decrypted payloads leave the store.
type KeyRef interface {
	// Algorithm reports the key type backing this reference.
	Algorithm() Algorithm

	// PublicKeyBase64 returns the Base64-encoded public key: the
	// uncompressed P-256 point for EC keys, the PKIX encoding for RSA.
	PublicKeyBase64() string

	// ECDH computes the raw shared secret with the given peer public key
	// bytes. Returns ErrUnsupportedAlgorithm for non-EC keys.
	ECDH(peerPublic []byte) ([]byte, error)

	// DecryptOAEP decrypts an RSA-OAEP-SHA256 ciphertext.
	// Returns ErrUnsupportedAlgorithm for non-RSA keys.
	DecryptOAEP(ciphertext []byte) ([]byte, error)
}

// KeyStore abstracts the platform key storage backing a device identity.
// Hardware-backed implementations never expose raw private key bytes.
type KeyStore interface {
	// LoadPrivateKeyRef returns a reference to the stored private key,
	// or ErrKeyUnavailable if no identity key exists yet.
	LoadPrivateKeyRef() (KeyRef, error)

	// GenerateKeyPair creates and stores a new identity keypair, returning
	// the private key reference and the Base64-encoded public key.
	GenerateKeyPair() (KeyRef, string, error)

	// DeletePrivateKey removes the stored private key (logout wipe).
	// Reports whether a key was actually removed.
	DeletePrivateKey() bool
}

// ecKeyRef references a P-256 private key.
type ecKeyRef struct {
	private *ecdh.PrivateKey
}

func (r *ecKeyRef) Algorithm() Algorithm { return AlgorithmECP256 }

func (r *ecKeyRef) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(r.private.PublicKey().Bytes())
}

func (r *ecKeyRef) ECDH(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	secret, err := r.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return secret, nil
}

func (r *ecKeyRef) DecryptOAEP(ciphertext []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: OAEP requires an RSA key", ErrUnsupportedAlgorithm)
}

// rsaKeyRef references a software RSA-2048 private key.
type rsaKeyRef struct {
	private *rsa.PrivateKey
}

func (r *rsaKeyRef) Algorithm() Algorithm { return AlgorithmRSA2048 }

func (r *rsaKeyRef) PublicKeyBase64() string {
	der, err := x509.MarshalPKIXPublicKey(&r.private.PublicKey)
	if err != nil {
		// PKIX marshaling of a well-formed RSA public key cannot fail.
		logrus.WithFields(logrus.Fields{
			"function": "PublicKeyBase64",
			"error":    err.Error(),
		}).Error("Failed to marshal RSA public key")
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

func (r *rsaKeyRef) ECDH(peerPublic []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: ECDH requires an elliptic-curve key", ErrUnsupportedAlgorithm)
}

func (r *rsaKeyRef) DecryptOAEP(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, r.private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// MemoryKeyStore is an in-memory KeyStore. It stands in for the platform
// hardware key store in tests and single-process deployments; the private
// key still never leaves the store except through KeyRef operations.
type MemoryKeyStore struct {
	mu        sync.Mutex
	ref       KeyRef
	algorithm Algorithm
}

// NewMemoryKeyStore creates an empty in-memory store producing P-256 keys.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{algorithm: AlgorithmECP256}
}

// NewMemoryRSAKeyStore creates an empty in-memory store producing RSA-2048
// keys, mirroring the software fallback path on hardware-less devices.
func NewMemoryRSAKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{algorithm: AlgorithmRSA2048}
}

// LoadPrivateKeyRef returns the stored key reference.
func (s *MemoryKeyStore) LoadPrivateKeyRef() (KeyRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ref == nil {
		return nil, ErrKeyUnavailable
	}
	return s.ref, nil
}

// GenerateKeyPair creates a new identity keypair and stores it.
func (s *MemoryKeyStore) GenerateKeyPair() (KeyRef, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "GenerateKeyPair",
		"algorithm": s.algorithm.String(),
	}).Info("Generating new identity keypair")

	var ref KeyRef
	switch s.algorithm {
	case AlgorithmECP256:
		private, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		ref = &ecKeyRef{private: private}
	case AlgorithmRSA2048:
		private, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		ref = &rsaKeyRef{private: private}
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, s.algorithm)
	}

	s.ref = ref
	return ref, ref.PublicKeyBase64(), nil
}

// DeletePrivateKey removes the stored key.
func (s *MemoryKeyStore) DeletePrivateKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	had := s.ref != nil
	s.ref = nil
	return had
}
