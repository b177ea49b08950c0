package call

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencall-io/callkeys/crypto"
	"github.com/opencall-io/callkeys/session"
)

// mockClock is a test double that allows controlling time.
type mockClock struct {
	mu      sync.Mutex
	current time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockClock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Sub(t)
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// manualScheduler collects deferred tasks and fires them on demand.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *manualScheduler) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, fn)
}

// FireAll runs every pending task once, in scheduling order.
func (s *manualScheduler) FireAll() {
	s.mu.Lock()
	pending := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// sentMessage is one captured outbound control message.
type sentMessage struct {
	UserID   string
	DeviceID string
	Msg      ControlMessage
}

// fakeSender records outbound messages and can optionally fail or
// forward them into another party's dispatcher.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	fail    bool
	deliver func(userID, deviceID string, msg ControlMessage)
}

func (s *fakeSender) SendControl(userID, deviceID string, msg ControlMessage) error {
	s.mu.Lock()
	if s.fail {
		s.mu.Unlock()
		return errors.New("signaling channel unavailable")
	}
	s.sent = append(s.sent, sentMessage{UserID: userID, DeviceID: deviceID, Msg: msg})
	deliver := s.deliver
	s.mu.Unlock()

	if deliver != nil {
		deliver(userID, deviceID, msg)
	}
	return nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSender) byType(t MessageType) []sentMessage {
	var out []sentMessage
	for _, m := range s.messages() {
		if m.Msg.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// mapDirectory answers public key lookups from a fixed map keyed by
// "userID_deviceID". Missing devices are simply absent, as with offline
// users in production.
type mapDirectory struct {
	mu   sync.Mutex
	keys map[string]string
	fail bool
}

func (d *mapDirectory) FetchPublicKeys(userIDs []string) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		return nil, errors.New("directory unavailable")
	}

	out := make(map[string]string)
	for key, publicKey := range d.keys {
		for _, id := range userIDs {
			if strings.HasPrefix(key, id+"_") {
				out[key] = publicKey
			}
		}
	}
	return out, nil
}

// fakeLiveness is a settable call-liveness oracle.
type fakeLiveness struct {
	mu        sync.Mutex
	connected bool
}

func (l *fakeLiveness) IsConnected(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLiveness) set(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

// party bundles one device's full key management wiring for tests.
type party struct {
	identity    *crypto.Identity
	codec       *crypto.Codec
	store       *session.Store
	roster      *Roster
	coordinator *Coordinator
	recovery    *Recovery
	dispatcher  *Dispatcher
	sender      *fakeSender
	clock       *mockClock
	scheduler   *manualScheduler
	liveness    *fakeLiveness
}

// newParty builds a fully wired participant. keyStore selects the
// identity type (EC memory store by default).
func newParty(t *testing.T, callID string, self Participant, keyStore crypto.KeyStore, directory *mapDirectory) *party {
	t.Helper()

	if keyStore == nil {
		keyStore = crypto.NewMemoryKeyStore()
	}

	identity, err := crypto.NewIdentity(self.UserID, self.DeviceID, keyStore)
	require.NoError(t, err)

	clock := newMockClock()
	scheduler := &manualScheduler{}
	sender := &fakeSender{}
	liveness := &fakeLiveness{connected: true}

	codec := crypto.NewCodec(identity)
	store := session.NewStore(clock)
	roster := NewRoster(self)

	coordinator, err := NewCoordinator(callID, roster, codec, store, directory, sender, liveness, CoordinatorConfig{})
	require.NoError(t, err)
	coordinator.SetTimeProvider(clock)
	coordinator.SetScheduler(scheduler)

	recovery, err := NewRecovery(callID, roster, codec, store, sender, RecoveryConfig{})
	require.NoError(t, err)
	recovery.SetTimeProvider(clock)
	recovery.SetScheduler(scheduler)

	dispatcher, err := NewDispatcher(callID, roster, codec, store, coordinator, recovery, liveness)
	require.NoError(t, err)
	dispatcher.SetTimeProvider(clock)
	dispatcher.SetScheduler(scheduler)

	// Publish this device in the shared directory.
	directory.mu.Lock()
	directory.keys[self.Key()] = identity.PublicKeyBase64()
	directory.mu.Unlock()

	return &party{
		identity:    identity,
		codec:       codec,
		store:       store,
		roster:      roster,
		coordinator: coordinator,
		recovery:    recovery,
		dispatcher:  dispatcher,
		sender:      sender,
		clock:       clock,
		scheduler:   scheduler,
		liveness:    liveness,
	}
}

func newDirectory() *mapDirectory {
	return &mapDirectory{keys: make(map[string]string)}
}
