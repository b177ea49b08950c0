package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencall-io/callkeys/crypto"
	"github.com/opencall-io/callkeys/session"
)

// CoordinatorConfig carries the rotation timing knobs.
type CoordinatorConfig struct {
	// RotationPeriod is how often the host generates a new group key.
	RotationPeriod time.Duration
	// ApplyDelay is the lead time between broadcasting a rotated key and
	// every participant (host included) switching to it. One synchronized
	// applyAt timestamp is computed from it per rotation.
	ApplyDelay time.Duration
}

// DefaultCoordinatorConfig returns the production rotation timings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RotationPeriod: 5 * time.Minute,
		ApplyDelay:     10 * time.Second,
	}
}

// Coordinator runs the host side of group key rotation for one call:
// generate a key, wrap it per participant, broadcast it with a shared
// apply timestamp, stage it locally as the future key, and promote it to
// current when the timestamp arrives.
//
// Only the participant holding the rotation-host role runs the timer.
// The coordinator also answers emergency key requests while hosting.
type Coordinator struct {
	callID    string
	roster    *Roster
	codec     *crypto.Codec
	store     *session.Store
	directory Directory
	sender    MessageSender
	liveness  Liveness

	cfg          CoordinatorConfig
	timeProvider crypto.TimeProvider
	scheduler    Scheduler

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewCoordinator wires a rotation coordinator for one call. All
// collaborators are required; cfg fields left zero fall back to the
// defaults.
func NewCoordinator(callID string, roster *Roster, codec *crypto.Codec, store *session.Store,
	directory Directory, sender MessageSender, liveness Liveness, cfg CoordinatorConfig,
) (*Coordinator, error) {
	if roster == nil || codec == nil || store == nil {
		return nil, errors.New("roster, codec, and store cannot be nil")
	}
	if directory == nil || sender == nil || liveness == nil {
		return nil, errors.New("directory, sender, and liveness cannot be nil")
	}

	defaults := DefaultCoordinatorConfig()
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = defaults.RotationPeriod
	}
	if cfg.ApplyDelay <= 0 {
		cfg.ApplyDelay = defaults.ApplyDelay
	}

	return &Coordinator{
		callID:       callID,
		roster:       roster,
		codec:        codec,
		store:        store,
		directory:    directory,
		sender:       sender,
		liveness:     liveness,
		cfg:          cfg,
		timeProvider: crypto.DefaultTimeProvider{},
		scheduler:    TimerScheduler{},
	}, nil
}

// SetTimeProvider replaces the clock, for deterministic tests.
func (c *Coordinator) SetTimeProvider(tp crypto.TimeProvider) {
	if tp != nil {
		c.timeProvider = tp
	}
}

// SetScheduler replaces the deferred-task scheduler, for deterministic
// tests.
func (c *Coordinator) SetScheduler(s Scheduler) {
	if s != nil {
		c.scheduler = s
	}
}

// Start launches the periodic rotation timer. The timer only produces
// rotations while the call is connected and this device holds the host
// role; both are re-checked on every tick, so a handover away and back
// needs no restart.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCoordinatorRunning
	}
	c.running = true
	c.stop = make(chan struct{})

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"call_id":         c.callID,
		"rotation_period": c.cfg.RotationPeriod,
	}).Info("Rotation coordinator started")

	go c.run(c.stop)
	return nil
}

// Stop halts the rotation timer. Already-scheduled key applications still
// fire and are guarded by the liveness check instead.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stop)

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"call_id":  c.callID,
	}).Info("Rotation coordinator stopped")
}

func (c *Coordinator) run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.RotationPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.liveness.IsConnected(c.callID) {
				continue
			}
			if !c.roster.SelfIsHost() {
				continue
			}
			if err := c.RotateNow(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"call_id":  c.callID,
					"error":    err.Error(),
				}).Error("Scheduled key rotation failed")
			}
		}
	}
}

// RotateNow performs one full rotation cycle: new key, per-participant
// broadcast with a shared applyAt, local future staging, and a scheduled
// promotion at applyAt.
//
// Per-participant wrap or send failures are logged and skipped; rotation
// proceeds for the participants that succeeded. Only a total directory
// failure aborts the cycle.
func (c *Coordinator) RotateNow() error {
	if !c.roster.SelfIsHost() {
		return ErrNotHost
	}

	newKey, err := crypto.GenerateGroupKey()
	if err != nil {
		return fmt.Errorf("failed to generate rotation key: %w", err)
	}

	applyAt := c.timeProvider.Now().Add(c.cfg.ApplyDelay)

	// Key material is copied before any network work; no store lock is
	// held across directory or sender calls.
	publicKeys, err := c.directory.FetchPublicKeys(c.roster.OtherUserIDs())
	if err != nil {
		return fmt.Errorf("rotation cycle aborted, public key fetch failed: %w", err)
	}

	sent := 0
	for _, p := range c.roster.Others() {
		if c.sendRotation(p, publicKeys, newKey, applyAt) {
			sent++
		}
	}

	// Stage locally before applyAt so early-switching peers with skewed
	// clocks stay decryptable through the future slot.
	c.store.InstallFuture(newKey)
	c.scheduleApply(newKey, applyAt)

	logrus.WithFields(logrus.Fields{
		"function":     "RotateNow",
		"call_id":      c.callID,
		"participants": len(c.roster.Others()),
		"sent":         sent,
		"apply_at":     applyAt,
	}).Info("Group key rotation broadcast")

	return nil
}

// sendRotation wraps and sends the new key to one participant. Reports
// success; failures are logged and isolated.
func (c *Coordinator) sendRotation(p Participant, publicKeys map[string]string, key session.Key, applyAt time.Time) bool {
	fields := logrus.Fields{
		"function": "sendRotation",
		"call_id":  c.callID,
		"peer":     p.Key(),
	}

	publicKey, ok := publicKeys[p.Key()]
	if !ok {
		logrus.WithFields(fields).Warn("No public key for participant, skipping rotation delivery")
		return false
	}

	envelope, err := c.codec.Wrap(key, publicKey)
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to wrap rotation key for participant, skipping")
		return false
	}

	msg := NewControlMessage(MessageKeyRotation, c.callID)
	msg.Envelope = string(envelope)
	msg.ApplyAt = UnixSeconds(applyAt)
	msg.RecipientID = p.UserID
	msg.RecipientDeviceID = p.DeviceID

	if err := c.sender.SendControl(p.UserID, p.DeviceID, msg); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to send rotation message, skipping participant")
		return false
	}
	return true
}

// scheduleApply arms the local promotion of key at applyAt. The task
// checks call liveness at fire time and silently abandons the install if
// the call has ended; cancellation is advisory, not guaranteed.
func (c *Coordinator) scheduleApply(key session.Key, applyAt time.Time) {
	delay := applyAt.Sub(c.timeProvider.Now())
	if delay < 0 {
		delay = 0
	}

	c.scheduler.Schedule(delay, func() {
		if !c.liveness.IsConnected(c.callID) {
			logrus.WithFields(logrus.Fields{
				"function": "scheduleApply",
				"call_id":  c.callID,
			}).Debug("Call ended before apply time, discarding scheduled key")
			return
		}
		c.store.Install(key)
	})
}

// Invite produces and sends the call_invitation for a callee, carrying
// the group key. On a fresh call with no key yet, an EC callee gets the
// 1:1 ECDH bootstrap (both ends derive the key, nothing transmitted) and
// a legacy RSA callee gets a freshly generated key wrapped with OAEP.
func (c *Coordinator) Invite(p Participant, isVideo bool) error {
	publicKeys, err := c.directory.FetchPublicKeys([]string{p.UserID})
	if err != nil {
		return fmt.Errorf("failed to fetch callee public key: %w", err)
	}
	publicKey, ok := publicKeys[p.Key()]
	if !ok {
		return fmt.Errorf("callee %s has no published public key", p.Key())
	}

	envelope, err := c.invitationEnvelope(publicKey)
	if err != nil {
		return err
	}

	msg := NewControlMessage(MessageCallInvitation, c.callID)
	msg.Envelope = string(envelope)
	msg.IsVideo = isVideo
	msg.RecipientID = p.UserID
	msg.RecipientDeviceID = p.DeviceID

	if err := c.sender.SendControl(p.UserID, p.DeviceID, msg); err != nil {
		return fmt.Errorf("failed to send call invitation: %w", err)
	}

	c.roster.Upsert(p)
	return nil
}

func (c *Coordinator) invitationEnvelope(publicKey string) (crypto.Envelope, error) {
	snap := c.store.Snapshot()
	if snap.Current != nil {
		return c.codec.Wrap(*snap.Current, publicKey)
	}

	if crypto.IsECPublicKey(publicKey) {
		key, err := c.codec.BootstrapKey(publicKey)
		if err != nil {
			return "", err
		}
		c.store.Install(key)
		return crypto.Envelope(c.codec.OwnPublicKeyBase64()), nil
	}

	key, err := crypto.GenerateGroupKey()
	if err != nil {
		return "", err
	}
	envelope, err := c.codec.Wrap(key, publicKey)
	if err != nil {
		return "", err
	}
	c.store.Install(key)
	return envelope, nil
}

// HandleKeyRequest answers a request_aes_key from a participant that
// exhausted its keys: wrap the current key for the requester and address
// the reply to its exact (userID, deviceID).
func (c *Coordinator) HandleKeyRequest(msg ControlMessage) error {
	if !c.roster.SelfIsHost() {
		return ErrNotHost
	}

	snap := c.store.Snapshot()
	if snap.Current == nil {
		return ErrNoCurrentKey
	}

	requesterKey := msg.SenderID + "_" + msg.SenderDeviceID
	publicKeys, err := c.directory.FetchPublicKeys([]string{msg.SenderID})
	if err != nil {
		return fmt.Errorf("failed to fetch requester public key: %w", err)
	}
	publicKey, ok := publicKeys[requesterKey]
	if !ok {
		return fmt.Errorf("requester %s has no published public key", requesterKey)
	}

	envelope, err := c.codec.Wrap(*snap.Current, publicKey)
	if err != nil {
		return fmt.Errorf("failed to wrap current key for requester: %w", err)
	}

	reply := NewControlMessage(MessageSendKey, c.callID)
	reply.Envelope = string(envelope)
	reply.RecipientID = msg.SenderID
	reply.RecipientDeviceID = msg.SenderDeviceID

	logrus.WithFields(logrus.Fields{
		"function":  "HandleKeyRequest",
		"call_id":   c.callID,
		"requester": requesterKey,
	}).Info("Answering emergency key request")

	return c.sender.SendControl(msg.SenderID, msg.SenderDeviceID, reply)
}
