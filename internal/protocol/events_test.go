package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"scriptroom/internal/identity"
)

func TestEventEncodeFramesEnvelope(t *testing.T) {
	ev := Event{Name: EventBlockLocked, Data: BlockLockedEvent{
		RoomID:    "doc1",
		BlockID:   "b1",
		LockedBy:  identity.Identity{UserID: "u1", DisplayName: "Alice"},
		Timestamp: 1700000000000,
	}}
	frame, err := ev.Encode()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, EventBlockLocked, env.Event)

	var payload BlockLockedEvent
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, "doc1", payload.RoomID)
	require.Equal(t, "Alice", payload.LockedBy.DisplayName)
}

func TestIntentDecoding(t *testing.T) {
	raw := []byte(`{"event":"blockMoved","data":{"roomId":"doc1","blockId":"b2","newPosition":6144}}`)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, IntentBlockMoved, env.Event)

	var in MoveBlockIntent
	require.NoError(t, json.Unmarshal(env.Data, &in))
	require.Equal(t, MoveBlockIntent{RoomID: "doc1", BlockID: "b2", NewPosition: 6144}, in)
}
