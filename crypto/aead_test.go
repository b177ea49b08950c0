package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenAEAD_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := GenerateGroupKey()
	require.NoError(t, err)

	plaintext := []byte("media frame payload")
	sealed, err := SealAEAD(key, plaintext)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(sealed), MinSealedSize)

	opened, err := OpenAEAD(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealAEAD_UniqueNonces(t *testing.T) {
	t.Parallel()

	key, err := GenerateGroupKey()
	require.NoError(t, err)

	first, err := SealAEAD(key, []byte("frame"))
	require.NoError(t, err)
	second, err := SealAEAD(key, []byte("frame"))
	require.NoError(t, err)

	assert.NotEqual(t, first[:AEADNonceSize], second[:AEADNonceSize],
		"each seal must use a fresh nonce")
}

func TestOpenAEAD_Failures(t *testing.T) {
	t.Parallel()

	key, err := GenerateGroupKey()
	require.NoError(t, err)
	otherKey, err := GenerateGroupKey()
	require.NoError(t, err)

	sealed, err := SealAEAD(key, []byte("frame"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     [32]byte
		payload []byte
		wantErr error
	}{
		{
			name:    "payload shorter than nonce plus tag",
			key:     key,
			payload: sealed[:MinSealedSize-1],
			wantErr: ErrDecodeFailure,
		},
		{
			name:    "empty payload",
			key:     key,
			payload: nil,
			wantErr: ErrDecodeFailure,
		},
		{
			name:    "wrong key",
			key:     otherKey,
			payload: sealed,
			wantErr: ErrDecryptFailure,
		},
		{
			name: "tampered ciphertext",
			key:  key,
			payload: func() []byte {
				tampered := make([]byte, len(sealed))
				copy(tampered, sealed)
				tampered[len(tampered)-1] ^= 0x01
				return tampered
			}(),
			wantErr: ErrDecryptFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenAEAD(tt.key, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}
