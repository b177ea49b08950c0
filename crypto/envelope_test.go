package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T, userID string, store KeyStore) *Identity {
	t.Helper()
	id, err := NewIdentity(userID, "device-1", store)
	require.NoError(t, err)
	return id
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envelope Envelope
		want     EnvelopeFormat
	}{
		{
			name:     "separator routes to ECDH-wrapped",
			envelope: "c2VuZGVy:cGF5bG9hZA==",
			want:     FormatECDHWrapped,
		},
		{
			name:     "separator wins even for long envelopes",
			envelope: Envelope(strings.Repeat("A", 200) + ":" + strings.Repeat("B", 200)),
			want:     FormatECDHWrapped,
		},
		{
			name:     "149 chars without separator is an EC bootstrap key",
			envelope: Envelope(strings.Repeat("A", 149)),
			want:     FormatECDHBootstrap,
		},
		{
			name:     "150 chars without separator is RSA ciphertext",
			envelope: Envelope(strings.Repeat("A", 150)),
			want:     FormatRSAWrapped,
		},
		{
			name:     "typical P-256 public key length",
			envelope: Envelope(strings.Repeat("A", 88)),
			want:     FormatECDHBootstrap,
		},
		{
			name:     "344-char RSA-2048 ciphertext",
			envelope: Envelope(strings.Repeat("A", 344)),
			want:     FormatRSAWrapped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.envelope.DetectFormat())
		})
	}
}

func TestCodec_ECDHRoundTrip(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t, "alice", NewMemoryKeyStore())
	bob := newTestIdentity(t, "bob", NewMemoryKeyStore())

	groupKey, err := GenerateGroupKey()
	require.NoError(t, err)

	envelope, err := NewCodec(alice).Wrap(groupKey, bob.PublicKeyBase64())
	require.NoError(t, err)

	// Exactly one separator, sender key on the left.
	assert.Equal(t, 1, strings.Count(string(envelope), ":"))
	assert.Equal(t, FormatECDHWrapped, envelope.DetectFormat())
	assert.True(t, strings.HasPrefix(string(envelope), alice.PublicKeyBase64()+":"))

	unwrapped, err := NewCodec(bob).Unwrap(envelope)
	require.NoError(t, err)
	assert.Equal(t, groupKey, unwrapped)
}

func TestCodec_RSARoundTrip(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t, "alice", NewMemoryKeyStore())
	legacy := newTestIdentity(t, "carol", NewMemoryRSAKeyStore())

	groupKey, err := GenerateGroupKey()
	require.NoError(t, err)

	envelope, err := NewCodec(alice).Wrap(groupKey, legacy.PublicKeyBase64())
	require.NoError(t, err)

	// A 2048-bit OAEP ciphertext is 256 bytes, 344 chars in Base64.
	assert.Len(t, string(envelope), 344)
	assert.NotContains(t, string(envelope), ":")
	assert.Equal(t, FormatRSAWrapped, envelope.DetectFormat())

	unwrapped, err := NewCodec(legacy).Unwrap(envelope)
	require.NoError(t, err)
	assert.Equal(t, groupKey, unwrapped)
}

func TestCodec_BootstrapUnwrap(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t, "alice", NewMemoryKeyStore())
	bob := newTestIdentity(t, "bob", NewMemoryKeyStore())

	// The caller's bare public key is the whole envelope; the callee
	// derives the call key as the ECDH shared secret.
	envelope := Envelope(alice.PublicKeyBase64())
	require.Equal(t, FormatECDHBootstrap, envelope.DetectFormat())

	bobKey, err := NewCodec(bob).Unwrap(envelope)
	require.NoError(t, err)

	aliceKey, err := NewCodec(alice).BootstrapKey(bob.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, aliceKey, bobKey)
}

func TestCodec_UnwrapFailures(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t, "alice", NewMemoryKeyStore())
	bob := newTestIdentity(t, "bob", NewMemoryKeyStore())
	eve := newTestIdentity(t, "eve", NewMemoryKeyStore())

	groupKey, err := GenerateGroupKey()
	require.NoError(t, err)
	valid, err := NewCodec(alice).Wrap(groupKey, bob.PublicKeyBase64())
	require.NoError(t, err)

	parts := strings.SplitN(string(valid), ":", 2)
	payload, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	payload[len(payload)-1] ^= 0x01
	tampered := parts[0] + ":" + base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name     string
		codec    *Codec
		envelope Envelope
		wantErr  error
	}{
		{
			name:     "empty sender key",
			codec:    NewCodec(bob),
			envelope: ":cGF5bG9hZA==",
			wantErr:  ErrDecodeFailure,
		},
		{
			name:     "empty payload",
			codec:    NewCodec(bob),
			envelope: Envelope(alice.PublicKeyBase64() + ":"),
			wantErr:  ErrDecodeFailure,
		},
		{
			name:     "payload not base64",
			codec:    NewCodec(bob),
			envelope: Envelope(alice.PublicKeyBase64() + ":!!!not-base64!!!"),
			wantErr:  ErrDecodeFailure,
		},
		{
			name:     "tampered payload fails authentication",
			codec:    NewCodec(bob),
			envelope: Envelope(tampered),
			wantErr:  ErrDecryptFailure,
		},
		{
			name:     "wrong recipient cannot authenticate",
			codec:    NewCodec(eve),
			envelope: valid,
			wantErr:  ErrDecryptFailure,
		},
		{
			name:     "RSA-length envelope that is not base64",
			codec:    NewCodec(bob),
			envelope: Envelope(strings.Repeat("!", 200)),
			wantErr:  ErrDecodeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Unwrap(tt.envelope)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCodec_WrapChoosesPathByRecipientKeyLength(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t, "alice", NewMemoryKeyStore())
	bob := newTestIdentity(t, "bob", NewMemoryKeyStore())
	legacy := newTestIdentity(t, "carol", NewMemoryRSAKeyStore())

	groupKey, err := GenerateGroupKey()
	require.NoError(t, err)
	codec := NewCodec(alice)

	ecEnvelope, err := codec.Wrap(groupKey, bob.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, FormatECDHWrapped, ecEnvelope.DetectFormat())

	rsaEnvelope, err := codec.Wrap(groupKey, legacy.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, FormatRSAWrapped, rsaEnvelope.DetectFormat())
}
