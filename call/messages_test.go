package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlMessage_ApplyAtWireFormat(t *testing.T) {
	t.Parallel()

	applyAt := time.Date(2024, 6, 15, 12, 0, 10, 500_000_000, time.UTC)

	msg := NewControlMessage(MessageKeyRotation, testCallID)
	msg.ApplyAt = UnixSeconds(applyAt)

	// Unix seconds travel as a float; sub-second precision survives the
	// round trip within a millisecond.
	assert.InDelta(t, 0, msg.ApplyAtTime().Sub(applyAt).Seconds(), 0.001)
}

func TestControlMessage_JSONOmitsUnusedFields(t *testing.T) {
	t.Parallel()

	msg := NewControlMessage(MessageHandoverHost, testCallID)
	msg.NewHostParticipantID = "bob"

	data, err := msg.Marshal()
	require.NoError(t, err)

	assert.NotContains(t, string(data), "encrypted_group_key")
	assert.NotContains(t, string(data), "apply_at")
	assert.Contains(t, string(data), "new_host_participant_id")

	decoded, err := UnmarshalControlMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	assert.NotEmpty(t, decoded.ID)
}
