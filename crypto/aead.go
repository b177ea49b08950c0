package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// AEADNonceSize is the GCM nonce size in bytes (96 bits).
	AEADNonceSize = 12
	// AEADTagSize is the GCM authentication tag size in bytes (128 bits).
	AEADTagSize = 16
	// MinSealedSize is the minimum length of any sealed payload:
	// nonce plus tag, with an empty plaintext.
	MinSealedSize = AEADNonceSize + AEADTagSize
)

// SealAEAD encrypts plaintext with AES-256-GCM under the given key.
// Output layout: nonce || ciphertext || tag.
func SealAEAD(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	// A unique nonce per seal is critical for GCM security.
	nonce := make([]byte, AEADNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrCryptoFailure, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenAEAD decrypts a payload produced by SealAEAD, verifying the
// authentication tag. Inputs shorter than MinSealedSize are rejected
// before any cipher work.
func OpenAEAD(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < MinSealedSize {
		return nil, fmt.Errorf("%w: sealed payload too short: %d bytes (minimum %d)",
			ErrDecodeFailure, len(sealed), MinSealedSize)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	plaintext, err := gcm.Open(nil, sealed[:AEADNonceSize], sealed[AEADNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailure, err)
	}
	return plaintext, nil
}
