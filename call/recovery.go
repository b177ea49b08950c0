package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencall-io/callkeys/crypto"
	"github.com/opencall-io/callkeys/session"
)

// RecoveryConfig carries the rate-limit thresholds of the emergency key
// recovery flow. The dedupe window suppresses bursts of one failing
// pipeline; the cooldown limits the overall request rate regardless of
// reason. Both thresholds are deployed wire behavior and serve different
// purposes; do not unify them.
type RecoveryConfig struct {
	// DedupeWindow suppresses a repeat request with the same failure
	// reason inside this window.
	DedupeWindow time.Duration
	// Cooldown suppresses any request within this window of the previous
	// one, regardless of reason.
	Cooldown time.Duration
	// ResponseTimeout bounds how long the service stays in the awaiting
	// state before a new request may be issued without a response.
	ResponseTimeout time.Duration
}

// DefaultRecoveryConfig returns the production recovery thresholds.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		DedupeWindow:    time.Second,
		Cooldown:        3 * time.Second,
		ResponseTimeout: 10 * time.Second,
	}
}

// Recovery is the emergency re-sync service invoked when media decryption
// exhausts every known key. It asks the current rotation host for the
// group key, rate-limited and deduplicated, and installs the answer
// immediately on arrival, bypassing any scheduled rotation timing.
//
// State machine: Idle -> AwaitingResponse -> Idle, either on a response
// or on timeout; both paths re-arm the service for another attempt.
type Recovery struct {
	callID string
	roster *Roster
	codec  *crypto.Codec
	store  *session.Store
	sender MessageSender

	cfg          RecoveryConfig
	timeProvider crypto.TimeProvider
	scheduler    Scheduler

	mu            sync.Mutex
	lastRequestAt time.Time
	lastReason    session.FailureReason
	awaiting      bool
	awaitingSince time.Time
}

// NewRecovery wires the recovery service for one call. cfg fields left
// zero fall back to the defaults.
func NewRecovery(callID string, roster *Roster, codec *crypto.Codec, store *session.Store,
	sender MessageSender, cfg RecoveryConfig,
) (*Recovery, error) {
	if roster == nil || codec == nil || store == nil || sender == nil {
		return nil, fmt.Errorf("roster, codec, store, and sender cannot be nil")
	}

	defaults := DefaultRecoveryConfig()
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaults.DedupeWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaults.ResponseTimeout
	}

	return &Recovery{
		callID:       callID,
		roster:       roster,
		codec:        codec,
		store:        store,
		sender:       sender,
		cfg:          cfg,
		timeProvider: crypto.DefaultTimeProvider{},
		scheduler:    TimerScheduler{},
	}, nil
}

// SetTimeProvider replaces the clock, for deterministic tests.
func (r *Recovery) SetTimeProvider(tp crypto.TimeProvider) {
	if tp != nil {
		r.timeProvider = tp
	}
}

// SetScheduler replaces the timeout scheduler, for deterministic tests.
func (r *Recovery) SetScheduler(s Scheduler) {
	if s != nil {
		r.scheduler = s
	}
}

// Awaiting reports whether a request is outstanding.
func (r *Recovery) Awaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaiting
}

// RequestKey asks the rotation host for the current group key. The
// request is dropped without effect when any of these hold:
//
//   - this device is itself the host (the host never requests)
//   - the same reason fired within the dedupe window
//   - any request fired within the cooldown window
//   - a previous request is still awaiting its response
//
// Otherwise the request goes out and a response timeout is armed that
// reverts to idle so the next attempt is permitted.
func (r *Recovery) RequestKey(reason session.FailureReason) {
	fields := logrus.Fields{
		"function": "RequestKey",
		"call_id":  r.callID,
		"reason":   string(reason),
	}

	r.mu.Lock()

	if r.roster.SelfIsHost() {
		r.mu.Unlock()
		logrus.WithFields(fields).Debug("Host does not request its own key, dropping")
		return
	}

	now := r.timeProvider.Now()

	if !r.lastRequestAt.IsZero() && reason == r.lastReason && now.Sub(r.lastRequestAt) < r.cfg.DedupeWindow {
		r.mu.Unlock()
		logrus.WithFields(fields).Debug("Duplicate key request within dedupe window, dropping")
		return
	}
	if !r.lastRequestAt.IsZero() && now.Sub(r.lastRequestAt) < r.cfg.Cooldown {
		r.mu.Unlock()
		logrus.WithFields(fields).Debug("Key request within cooldown window, dropping")
		return
	}
	if r.awaiting {
		r.mu.Unlock()
		logrus.WithFields(fields).Debug("Key request already awaiting response, dropping")
		return
	}

	host, ok := r.roster.Host()
	if !ok {
		r.mu.Unlock()
		logrus.WithFields(fields).Warn("No rotation host known, cannot request key")
		return
	}

	self := r.roster.Self()
	r.lastRequestAt = now
	r.lastReason = reason
	r.awaiting = true
	r.awaitingSince = now

	// Send outside the lock; the signaling channel may block.
	r.mu.Unlock()

	msg := NewControlMessage(MessageRequestKey, r.callID)
	msg.SenderID = self.UserID
	msg.SenderDeviceID = self.DeviceID

	fields["host"] = host.Key()
	logrus.WithFields(fields).Info("Requesting group key from rotation host")

	if err := r.sender.SendControl(host.UserID, host.DeviceID, msg); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Failed to send key request")
		// The timeout below still reverts to idle and permits a retry.
	}

	r.armTimeout()
}

// armTimeout schedules the revert to idle. The timer always fires; a
// stale timer from a superseded request is recognized by re-checking the
// awaiting age at fire time.
func (r *Recovery) armTimeout() {
	r.scheduler.Schedule(r.cfg.ResponseTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.awaiting && r.timeProvider.Since(r.awaitingSince) >= r.cfg.ResponseTimeout {
			r.awaiting = false
			logrus.WithFields(logrus.Fields{
				"function": "armTimeout",
				"call_id":  r.callID,
			}).Warn("Key request timed out without response")
		}
	})
}

// HandleKeyResponse processes the host's send_aes_key answer: unwrap and
// install immediately. Emergency application is unconditional; it does
// not wait for any rotation apply timestamp.
//
// The service returns to idle even when unwrapping fails, so the next
// decrypt failure can retry rather than staying stuck awaiting.
func (r *Recovery) HandleKeyResponse(msg ControlMessage) {
	r.mu.Lock()
	r.awaiting = false
	r.mu.Unlock()

	key, err := r.codec.Unwrap(crypto.Envelope(msg.Envelope))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleKeyResponse",
			"call_id":  r.callID,
			"error":    err.Error(),
		}).Error("Failed to unwrap recovered key")
		return
	}

	r.store.Install(key)

	logrus.WithFields(logrus.Fields{
		"function": "HandleKeyResponse",
		"call_id":  r.callID,
	}).Info("Recovered group key installed")
}
