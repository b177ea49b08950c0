// Package session holds the symmetric key material of one active group
// call and the media frame encryption built on top of it.
//
// Store is the safety-critical data structure: three key slots (current,
// backup, future) mutated by rotation and recovery callbacks while two or
// more media pipelines read them concurrently. Writers are mutually
// exclusive with everything; snapshots run concurrently with each other.
//
// MediaCrypto encrypts outgoing frames under the current key and decrypts
// incoming ones with a current -> backup -> future fallback, signalling
// emergency recovery when every known key fails.
package session
