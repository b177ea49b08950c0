package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyStore_GenerateAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := NewFileKeyStore(dir, []byte("call-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadPrivateKeyRef()
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	ref, publicKey, err := store.GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRSA2048, ref.Algorithm())
	assert.NotEmpty(t, publicKey)

	// Reopen the store from disk with the same passphrase.
	reopened, err := NewFileKeyStore(dir, []byte("call-passphrase"))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadPrivateKeyRef()
	require.NoError(t, err)
	assert.Equal(t, publicKey, loaded.PublicKeyBase64())
}

func TestFileKeyStore_WrongPassphrase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := NewFileKeyStore(dir, []byte("correct"))
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.GenerateKeyPair()
	require.NoError(t, err)

	wrong, err := NewFileKeyStore(dir, []byte("incorrect"))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.LoadPrivateKeyRef()
	assert.Error(t, err, "a wrong passphrase must fail GCM authentication")
}

func TestFileKeyStore_DeletePrivateKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := NewFileKeyStore(dir, []byte("call-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	assert.False(t, store.DeletePrivateKey(), "nothing to delete yet")

	_, _, err = store.GenerateKeyPair()
	require.NoError(t, err)

	assert.True(t, store.DeletePrivateKey())

	_, err = store.LoadPrivateKeyRef()
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestFileKeyStore_EmptyPassphraseRejected(t *testing.T) {
	t.Parallel()

	_, err := NewFileKeyStore(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestFileKeyStore_RoundTripThroughIdentity(t *testing.T) {
	t.Parallel()

	store, err := NewFileKeyStore(t.TempDir(), []byte("call-passphrase"))
	require.NoError(t, err)
	defer store.Close()

	legacy, err := NewIdentity("carol", "desktop-1", store)
	require.NoError(t, err)

	rawKey, err := GenerateGroupKey()
	require.NoError(t, err)

	ciphertext, err := legacy.EncryptRSA(rawKey[:], legacy.PublicKeyBase64())
	require.NoError(t, err)
	plaintext, err := legacy.DecryptRSA(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, rawKey[:], plaintext)
}
