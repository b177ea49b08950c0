// Package crypto implements the cryptographic primitives for group-call
// key management: device identity keypairs, ECDH shared-secret derivation,
// RSA-OAEP key wrapping for legacy peers, and the group-key envelope codec.
//
// The preferred identity is an elliptic-curve P-256 keypair whose private
// key lives behind a KeyStore and is referenced, never materialized, by the
// rest of the system. A software RSA-2048 keypair is the fallback when
// hardware isolation is unavailable.
//
// Example:
//
//	store := crypto.NewMemoryKeyStore()
//	identity, err := crypto.NewIdentity("alice", "phone-1", store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", identity.PublicKeyBase64())
package crypto
