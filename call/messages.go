package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a control message on the signaling channel.
type MessageType string

const (
	// MessageCallInvitation carries the initial group key to a callee.
	MessageCallInvitation MessageType = "call_invitation"
	// MessageKeyRotation carries a rotated group key and its apply time.
	MessageKeyRotation MessageType = "key_rotation"
	// MessageRequestKey asks the host for the current group key.
	MessageRequestKey MessageType = "request_aes_key"
	// MessageSendKey answers a key request with the wrapped current key.
	MessageSendKey MessageType = "send_aes_key"
	// MessageHandoverHost transfers the rotation-host role.
	MessageHandoverHost MessageType = "handover_host"
)

// ControlMessage is the wire schema for all signaling between devices.
// Fields not used by a given type are omitted from the JSON encoding.
// ApplyAt is unix seconds as a float, matching the deployed wire format.
type ControlMessage struct {
	ID       string      `json:"id"`
	Type     MessageType `json:"type"`
	CallID   string      `json:"call_id"`
	Envelope string      `json:"encrypted_group_key,omitempty"`
	ApplyAt  float64     `json:"apply_at,omitempty"`
	IsVideo  bool        `json:"is_video,omitempty"`

	SenderID          string `json:"sender_id,omitempty"`
	SenderDeviceID    string `json:"sender_device_id,omitempty"`
	RecipientID       string `json:"recipient_id,omitempty"`
	RecipientDeviceID string `json:"recipient_device_id,omitempty"`

	NewHostParticipantID string `json:"new_host_participant_id,omitempty"`
}

// NewControlMessage creates a message of the given type with a fresh
// unique ID for tracing and delivery deduplication downstream.
func NewControlMessage(msgType MessageType, callID string) ControlMessage {
	return ControlMessage{
		ID:     uuid.NewString(),
		Type:   msgType,
		CallID: callID,
	}
}

// ApplyAtTime converts the wire timestamp into a time.Time.
func (m ControlMessage) ApplyAtTime() time.Time {
	sec := int64(m.ApplyAt)
	nsec := int64((m.ApplyAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// UnixSeconds converts a time.Time into the wire's float timestamp.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Marshal encodes the message for the signaling channel.
func (m ControlMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return data, nil
}

// UnmarshalControlMessage decodes a signaling payload.
func UnmarshalControlMessage(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to decode control message: %w", err)
	}
	if m.Type == "" {
		return ControlMessage{}, fmt.Errorf("%w: missing type field", ErrUnknownMessageType)
	}
	return m, nil
}
