package call

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opencall-io/callkeys/crypto"
	"github.com/opencall-io/callkeys/session"
)

// Dispatcher routes inbound control messages to the rotation coordinator,
// the recovery service, and the session key store. One dispatcher serves
// one call; the message bus delivers per-device, with no ordering or
// delivery guarantees assumed.
type Dispatcher struct {
	callID      string
	roster      *Roster
	codec       *crypto.Codec
	store       *session.Store
	coordinator *Coordinator
	recovery    *Recovery
	liveness    Liveness

	timeProvider crypto.TimeProvider
	scheduler    Scheduler
}

// NewDispatcher wires the inbound routing for one call.
func NewDispatcher(callID string, roster *Roster, codec *crypto.Codec, store *session.Store,
	coordinator *Coordinator, recovery *Recovery, liveness Liveness,
) (*Dispatcher, error) {
	if roster == nil || codec == nil || store == nil || coordinator == nil || recovery == nil || liveness == nil {
		return nil, fmt.Errorf("all dispatcher collaborators are required")
	}

	return &Dispatcher{
		callID:       callID,
		roster:       roster,
		codec:        codec,
		store:        store,
		coordinator:  coordinator,
		recovery:     recovery,
		liveness:     liveness,
		timeProvider: crypto.DefaultTimeProvider{},
		scheduler:    TimerScheduler{},
	}, nil
}

// SetTimeProvider replaces the clock, for deterministic tests.
func (d *Dispatcher) SetTimeProvider(tp crypto.TimeProvider) {
	if tp != nil {
		d.timeProvider = tp
	}
}

// SetScheduler replaces the deferred-task scheduler, for deterministic
// tests.
func (d *Dispatcher) SetScheduler(s Scheduler) {
	if s != nil {
		d.scheduler = s
	}
}

// HandleRaw decodes a signaling payload and dispatches it.
func (d *Dispatcher) HandleRaw(data []byte) error {
	msg, err := UnmarshalControlMessage(data)
	if err != nil {
		return err
	}
	return d.HandleMessage(msg)
}

// HandleMessage dispatches one decoded control message.
func (d *Dispatcher) HandleMessage(msg ControlMessage) error {
	if msg.CallID != "" && msg.CallID != d.callID {
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"call_id":  d.callID,
			"msg_call": msg.CallID,
			"type":     string(msg.Type),
		}).Debug("Dropping control message for another call")
		return nil
	}

	switch msg.Type {
	case MessageCallInvitation:
		return d.handleInvitation(msg)
	case MessageKeyRotation:
		return d.handleKeyRotation(msg)
	case MessageRequestKey:
		return d.handleKeyRequest(msg)
	case MessageSendKey:
		d.recovery.HandleKeyResponse(msg)
		return nil
	case MessageHandoverHost:
		d.handleHandover(msg)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}

// handleInvitation installs the call's initial group key from the
// caller's envelope. Emergency-style immediate install: there is no media
// flowing under an older key yet.
func (d *Dispatcher) handleInvitation(msg ControlMessage) error {
	key, err := d.codec.Unwrap(crypto.Envelope(msg.Envelope))
	if err != nil {
		return fmt.Errorf("failed to unwrap invitation key: %w", err)
	}

	d.store.Install(key)

	logrus.WithFields(logrus.Fields{
		"function": "handleInvitation",
		"call_id":  d.callID,
		"is_video": msg.IsVideo,
	}).Info("Call invitation key installed")

	return nil
}

// handleKeyRotation stages the rotated key as future immediately, then
// schedules its promotion for the broadcast applyAt. The future slot is
// what keeps early-switching skewed peers decryptable in the meantime.
func (d *Dispatcher) handleKeyRotation(msg ControlMessage) error {
	key, err := d.codec.Unwrap(crypto.Envelope(msg.Envelope))
	if err != nil {
		return fmt.Errorf("failed to unwrap rotation key: %w", err)
	}

	d.store.InstallFuture(key)

	delay := msg.ApplyAtTime().Sub(d.timeProvider.Now())
	if delay < 0 {
		// Late delivery: the synchronized apply moment already passed.
		delay = 0
	}

	d.scheduler.Schedule(delay, func() {
		if !d.liveness.IsConnected(d.callID) {
			logrus.WithFields(logrus.Fields{
				"function": "handleKeyRotation",
				"call_id":  d.callID,
			}).Debug("Call ended before apply time, discarding rotated key")
			return
		}
		d.store.Install(key)
	})

	logrus.WithFields(logrus.Fields{
		"function": "handleKeyRotation",
		"call_id":  d.callID,
		"apply_in": delay,
	}).Info("Rotated group key staged")

	return nil
}

// handleKeyRequest forwards an emergency request to the coordinator when
// this device hosts; non-hosts receiving misrouted requests drop them.
func (d *Dispatcher) handleKeyRequest(msg ControlMessage) error {
	if !d.roster.SelfIsHost() {
		logrus.WithFields(logrus.Fields{
			"function":  "handleKeyRequest",
			"call_id":   d.callID,
			"requester": msg.SenderID + "_" + msg.SenderDeviceID,
		}).Warn("Received key request while not hosting, dropping")
		return nil
	}
	return d.coordinator.HandleKeyRequest(msg)
}

// handleHandover applies a host-role transfer, starting the local
// rotation timer on promotion and stopping it on demotion.
func (d *Dispatcher) handleHandover(msg ControlMessage) {
	wasHost := d.roster.SelfIsHost()
	isHost := d.roster.ApplyHandover(msg.NewHostParticipantID)

	switch {
	case isHost && !wasHost:
		if err := d.coordinator.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleHandover",
				"call_id":  d.callID,
				"error":    err.Error(),
			}).Warn("Rotation coordinator already running after handover")
		}
	case !isHost && wasHost:
		d.coordinator.Stop()
	}
}
