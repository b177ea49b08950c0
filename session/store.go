package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencall-io/callkeys/crypto"
)

const (
	// BackupRetention is how long a replaced current key stays available
	// for decrypting frames encrypted before rotation completed everywhere.
	BackupRetention = 120 * time.Second

	// FutureRetention is how long a not-yet-applied rotation key stays
	// available for decrypting frames from peers that apply early due to
	// clock skew.
	FutureRetention = 60 * time.Second
)

// Key is a 256-bit symmetric group media key.
type Key = [32]byte

// slot holds one key with its install timestamp.
type slot struct {
	key         Key
	installedAt time.Time
}

// Snapshot is one consistent view of all three key slots. Expired slots
// read as nil. The pointed-to keys are copies; callers may hold them
// without blocking the store.
type Snapshot struct {
	Current *Key
	Backup  *Key
	Future  *Key
}

// Store holds the key material of one active call. One Store is scoped to
// one call; it is constructor-injected into the components that need it
// rather than shared process-wide.
//
// Writers (Install, InstallFuture, Clear, EvictExpired) are mutually
// exclusive with all other operations; Snapshot calls run concurrently
// with each other so the audio and video decode pipelines never serialize
// against one another in steady state.
type Store struct {
	mu      sync.RWMutex
	current *slot
	backup  *slot
	future  *slot

	timeProvider crypto.TimeProvider
}

// NewStore creates an empty key store. timeProvider may be nil, in which
// case the wall clock is used; tests inject a mock to simulate elapsed
// time deterministically.
func NewStore(timeProvider crypto.TimeProvider) *Store {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	return &Store{timeProvider: timeProvider}
}

// Install atomically makes newKey the current key, demoting the previous
// current key (if any, and different from newKey) into the backup slot
// with a fresh retention timestamp.
//
// Installing the key that is already current is a logged no-op: backing a
// key up onto itself would silently shrink the usable key set.
func (s *Store) Install(newKey Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now()

	if s.current != nil && s.current.key == newKey {
		logrus.WithFields(logrus.Fields{
			"function": "Install",
		}).Warn("Ignoring install of key identical to current")
		return
	}

	if s.current != nil {
		s.backup = &slot{key: s.current.key, installedAt: now}
	}
	s.current = &slot{key: newKey, installedAt: now}

	// A promoted future key has served its purpose.
	if s.future != nil && s.future.key == newKey {
		s.dropSlot(&s.future)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Install",
		"has_backup": s.backup != nil,
	}).Debug("Group key installed")
}

// InstallFuture atomically sets the future slot, independent of the
// current and backup slots.
func (s *Store) InstallFuture(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.future = &slot{key: key, installedAt: s.timeProvider.Now()}

	logrus.WithFields(logrus.Fields{
		"function": "InstallFuture",
	}).Debug("Future group key staged")
}

// Snapshot returns one consistent triple of the three slots. Slots past
// their retention window read as nil; the stored material is reclaimed by
// EvictExpired, so expiry here never blocks concurrent readers.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	if s.current != nil {
		snap.Current = copyKey(s.current.key)
	}
	if s.backup != nil && s.timeProvider.Since(s.backup.installedAt) <= BackupRetention {
		snap.Backup = copyKey(s.backup.key)
	}
	if s.future != nil && s.timeProvider.Since(s.future.installedAt) <= FutureRetention {
		snap.Future = copyKey(s.future.key)
	}
	return snap
}

// EvictExpired clears the backup slot once older than BackupRetention and
// the future slot once older than FutureRetention, wiping the key
// material. Intended to run from a periodic sweep; Snapshot already hides
// expired slots from readers in the meantime.
func (s *Store) EvictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backup != nil && s.timeProvider.Since(s.backup.installedAt) > BackupRetention {
		s.dropSlot(&s.backup)
		logrus.WithFields(logrus.Fields{
			"function": "EvictExpired",
			"slot":     "backup",
		}).Debug("Expired key evicted")
	}
	if s.future != nil && s.timeProvider.Since(s.future.installedAt) > FutureRetention {
		s.dropSlot(&s.future)
		logrus.WithFields(logrus.Fields{
			"function": "EvictExpired",
			"slot":     "future",
		}).Debug("Expired key evicted")
	}
}

// Clear wipes all three slots. Invoked by the call-lifecycle layer on
// call teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropSlot(&s.current)
	s.dropSlot(&s.backup)
	s.dropSlot(&s.future)

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Session key material cleared")
}

// dropSlot wipes and nils a slot. Caller must hold the write lock.
func (s *Store) dropSlot(sl **slot) {
	if *sl == nil {
		return
	}
	crypto.WipeGroupKey(&(*sl).key)
	*sl = nil
}

func copyKey(k Key) *Key {
	cp := k
	return &cp
}
