package session

import (
	"github.com/sirupsen/logrus"

	"github.com/opencall-io/callkeys/crypto"
)

// FailureReason tags which media pipeline exhausted its keys. The reasons
// are tracked independently by the recovery service so a video failure
// does not suppress a concurrent audio failure's request.
type FailureReason string

const (
	// ReasonMedia is the video/screen-share decode pipeline.
	ReasonMedia FailureReason = "media"
	// ReasonAudio is the audio decode pipeline.
	ReasonAudio FailureReason = "audio"
)

// KeyRequester is the recovery hook invoked when decryption exhausts all
// known keys. Implementations must not block; MediaCrypto calls it from
// the decode path.
type KeyRequester interface {
	RequestKey(reason FailureReason)
}

// MediaCrypto encrypts and decrypts media frames for one pipeline of one
// call. Construct one adapter per pipeline so its failure reason tags the
// recovery requests correctly.
//
// Frame layout is the AEAD sealed form: 12-byte nonce, ciphertext,
// 16-byte tag. Anything shorter than 28 bytes is rejected before any
// cipher work.
type MediaCrypto struct {
	store    *Store
	recovery KeyRequester
	reason   FailureReason
}

// NewMediaCrypto creates a frame crypto adapter over the given store.
// recovery may be nil when no emergency recovery is wired (host-only
// tooling, tests).
func NewMediaCrypto(store *Store, recovery KeyRequester, reason FailureReason) *MediaCrypto {
	return &MediaCrypto{store: store, recovery: recovery, reason: reason}
}

// Encrypt seals an outgoing frame under the current key only.
// Returns ErrNoKeyEstablished if no key has been installed yet.
func (m *MediaCrypto) Encrypt(frame []byte) ([]byte, error) {
	snap := m.store.Snapshot()
	if snap.Current == nil {
		return nil, ErrNoKeyEstablished
	}
	return crypto.SealAEAD(*snap.Current, frame)
}

// Decrypt opens an incoming frame, trying the keys of one consistent
// snapshot in order: current, then backup, then future. Success returns
// immediately and never mutates key state.
//
// When every available key fails, Decrypt reports ErrDecryptFailure and
// signals the recovery service with this pipeline's failure reason. It
// does not retry internally.
func (m *MediaCrypto) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < crypto.MinSealedSize {
		return nil, ErrMalformedCiphertext
	}

	snap := m.store.Snapshot()

	for _, key := range [](*Key){snap.Current, snap.Backup, snap.Future} {
		if key == nil {
			continue
		}
		if plaintext, err := crypto.OpenAEAD(*key, frame); err == nil {
			return plaintext, nil
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Decrypt",
		"reason":     string(m.reason),
		"had_backup": snap.Backup != nil,
		"had_future": snap.Future != nil,
	}).Warn("Frame decryption exhausted all known keys")

	if m.recovery != nil {
		m.recovery.RequestKey(m.reason)
	}
	return nil, ErrDecryptFailure
}
