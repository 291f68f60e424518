package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"scriptroom/internal/protocol"
)

func testHub() *Hub {
	return NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// addConn inserts a connection without a socket; frames are read straight
// off the send channel instead of a write pump.
func addConn(h *Hub, id string) *Conn {
	c := &Conn{ID: id, send: make(chan []byte, 4)}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func drain(t *testing.T, c *Conn) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestToRoomDeliversToAllMembers(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	c2 := addConn(h, "c2")
	c3 := addConn(h, "c3")
	h.JoinRoom("r1", "c1")
	h.JoinRoom("r1", "c2")
	// c3 never joins r1.

	h.ToRoom("r1", protocol.Event{Name: protocol.EventBlockLocked, Data: protocol.BlockLockedEvent{RoomID: "r1"}})

	require.Len(t, drain(t, c1), 1)
	require.Len(t, drain(t, c2), 1)
	require.Empty(t, drain(t, c3))
}

func TestToRoomExceptSkipsSender(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	c2 := addConn(h, "c2")
	h.JoinRoom("r1", "c1")
	h.JoinRoom("r1", "c2")

	h.ToRoomExcept("r1", "c1", protocol.Event{Name: protocol.EventBlockMoved, Data: protocol.BlockMovedEvent{RoomID: "r1"}})

	require.Empty(t, drain(t, c1))
	got := drain(t, c2)
	require.Len(t, got, 1)
	require.Equal(t, protocol.EventBlockMoved, got[0].Event)
}

func TestToConnTargetsOneConnection(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	c2 := addConn(h, "c2")

	h.ToConn("c1", protocol.Event{Name: protocol.EventError, Data: protocol.ErrorEvent{Message: "nope"}})

	require.Len(t, drain(t, c1), 1)
	require.Empty(t, drain(t, c2))
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	h.JoinRoom("r1", "c1")
	h.LeaveRoom("r1", "c1")

	h.ToRoom("r1", protocol.Event{Name: protocol.EventUserLeft, Data: protocol.UserLeftEvent{RoomID: "r1"}})

	require.Empty(t, drain(t, c1))
}

func TestSlowClientIsDropped(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	h.JoinRoom("r1", "c1")

	ev := protocol.Event{Name: protocol.EventBlockMoved, Data: protocol.BlockMovedEvent{RoomID: "r1"}}
	for i := 0; i < cap(c1.send)+1; i++ {
		h.ToRoom("r1", ev)
	}

	h.mu.Lock()
	_, stillThere := h.conns["c1"]
	h.mu.Unlock()
	require.False(t, stillThere, "a client that cannot drain its buffer is disconnected")

	// The channel is closed once the overflowing frame is rejected.
	require.Len(t, drain(t, c1), cap(c1.send))
	_, open := <-c1.send
	require.False(t, open)
}

// Broadcasts snapshot Conn pointers outside the hub lock, so a frame can
// arrive at a connection whose disconnect just ran. That must be a silent
// drop, never a send on a closed channel.
func TestEnqueueAfterUnregisterIsNoOp(t *testing.T) {
	h := testHub()
	c1 := addConn(h, "c1")
	h.JoinRoom("r1", "c1")

	h.Unregister("c1")

	require.NotPanics(t, func() {
		require.True(t, c1.enqueue([]byte(`{}`)), "stale delivery is dropped, not a backpressure failure")
	})
	_, open := <-c1.send
	require.False(t, open)
}

func TestBroadcastRacingDisconnect(t *testing.T) {
	h := testHub()
	addConn(h, "c1")
	c2 := addConn(h, "c2")
	h.JoinRoom("r1", "c1")
	h.JoinRoom("r1", "c2")

	ev := protocol.Event{Name: protocol.EventBlockMoved, Data: protocol.BlockMovedEvent{RoomID: "r1"}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.ToRoom("r1", ev)
			h.ToConn("c1", ev)
		}
	}()
	h.Unregister("c1")
	<-done

	// The surviving member keeps receiving; the dropped one just stops.
	require.NotEmpty(t, drain(t, c2))
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotContains(t, h.conns, "c1")
}

func TestUnregisterCleansRooms(t *testing.T) {
	h := testHub()
	addConn(h, "c1")
	h.JoinRoom("r1", "c1")

	h.Unregister("c1")

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotContains(t, h.conns, "c1")
	require.NotContains(t, h.rooms, "r1")
}
