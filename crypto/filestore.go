package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// filestorePBKDF2Iterations is the PBKDF2 iteration count for deriving
	// the at-rest encryption key from the device passphrase.
	filestorePBKDF2Iterations = 100000
	// filestoreVersion is the current identity file format version.
	filestoreVersion = 1
	// filestoreSaltSize is the PBKDF2 salt length in bytes.
	filestoreSaltSize = 32

	identityFileName = "identity.key"
	saltFileName     = ".salt"
)

// FileKeyStore is the software fallback KeyStore for devices without a
// hardware-isolated key store. It persists an RSA-2048 identity key
// encrypted at rest with AES-256-GCM under a passphrase-derived key.
//
// File format: [version:2][nonce:12][ciphertext+tag:N], written atomically
// via a temporary file and rename.
type FileKeyStore struct {
	encryptionKey [32]byte
	dataDir       string
}

// NewFileKeyStore opens (or initializes) a file-backed key store in dataDir.
// passphrase is wiped before returning.
func NewFileKeyStore(dataDir string, passphrase []byte) (*FileKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &FileKeyStore{dataDir: dataDir}

	salt, err := s.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, filestorePBKDF2Iterations, 32, sha256.New)
	copy(s.encryptionKey[:], derived)

	ZeroBytes(derived)
	ZeroBytes(passphrase)

	return s, nil
}

func (s *FileKeyStore) loadOrGenerateSalt() ([]byte, error) {
	saltPath := filepath.Join(s.dataDir, saltFileName)

	data, err := os.ReadFile(saltPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, filestoreSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != filestoreSaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), filestoreSaltSize)
	}
	return data, nil
}

// LoadPrivateKeyRef decrypts the stored identity key and returns a
// reference to it. Returns ErrKeyUnavailable if no key has been generated.
func (s *FileKeyStore) LoadPrivateKeyRef() (KeyRef, error) {
	der, err := s.readEncrypted(identityFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyUnavailable
		}
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	}
	defer ZeroBytes(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt identity key: %v", ErrCryptoFailure, err)
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: stored key is %T", ErrUnsupportedAlgorithm, parsed)
	}
	return &rsaKeyRef{private: rsaKey}, nil
}

// GenerateKeyPair creates a new RSA-2048 identity, persists it encrypted,
// and returns its reference and Base64 public key.
func (s *FileKeyStore) GenerateKeyPair() (KeyRef, string, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "GenerateKeyPair",
		"algorithm": AlgorithmRSA2048.String(),
		"data_dir":  s.dataDir,
	}).Info("Generating software fallback identity keypair")

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	defer ZeroBytes(der)

	if err := s.writeEncrypted(identityFileName, der); err != nil {
		return nil, "", fmt.Errorf("failed to persist identity key: %w", err)
	}

	ref := &rsaKeyRef{private: private}
	return ref, ref.PublicKeyBase64(), nil
}

// DeletePrivateKey removes the identity key file, overwriting it with
// zeros first as best-effort secure deletion.
func (s *FileKeyStore) DeletePrivateKey() bool {
	path := filepath.Join(s.dataDir, identityFileName)

	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeletePrivateKey",
			"error":    err.Error(),
		}).Warn("Failed to overwrite identity key before deletion")
	}

	return os.Remove(path) == nil
}

// Close wipes the at-rest encryption key. The store must not be used after.
func (s *FileKeyStore) Close() error {
	ZeroBytes(s.encryptionKey[:])
	return nil
}

func (s *FileKeyStore) writeEncrypted(filename string, plaintext []byte) error {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], filestoreVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	// Atomic write via temporary file + rename.
	tmpPath := filepath.Join(s.dataDir, filename+".tmp")
	finalPath := filepath.Join(s.dataDir, filename)

	if err := os.WriteFile(tmpPath, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (s *FileKeyStore) readEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, filename))
	if err != nil {
		return nil, err
	}

	if len(data) < 2+AEADNonceSize+AEADTagSize {
		return nil, fmt.Errorf("identity file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != filestoreVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d (expected %d)", version, filestoreVersion)
	}

	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	plaintext, err := gcm.Open(nil, data[2:2+nonceSize], data[2+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("identity decryption failed (wrong passphrase or corrupt file): %w", err)
	}
	return plaintext, nil
}
