// Package protocol defines the JSON wire protocol between clients and the
// sync server: intent names, event names, and their payload shapes. Every
// frame is an envelope {"event": name, "data": payload}. Server events are
// the sole source of truth; clients reconcile optimistic local state against
// them and must apply redelivered events idempotently.
package protocol

import (
	"encoding/json"
	"time"

	"scriptroom/internal/identity"
	"scriptroom/internal/script"
)

// Client -> server intents.
const (
	IntentJoinRoom       = "joinRoom"
	IntentLeaveRoom      = "leaveRoom"
	IntentGetActiveUsers = "getActiveUsers"
	IntentBlockAdded     = "blockAdded"
	IntentBlockUpdated   = "blockUpdated"
	IntentBlockDeleted   = "blockDeleted"
	IntentBlockMoved     = "blockMoved"
	IntentBlockLock      = "blockLock"
	IntentBlockUnlock    = "blockUnlock"
)

// Server -> client events.
const (
	EventActiveUsers   = "activeUsers"
	EventRoomState     = "roomState"
	EventUserJoined    = "userJoined"
	EventUserLeft      = "userLeft"
	EventBlockAdded    = "blockAdded"
	EventBlockUpdated  = "blockUpdated"
	EventBlockDeleted  = "blockDeleted"
	EventBlockMoved    = "blockMoved"
	EventBlockLocked   = "blockLocked"
	EventBlockUnlocked = "blockUnlocked"
	EventError         = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is a named server event with an encodable payload.
type Event struct {
	Name string
	Data any
}

// Encode frames the event into envelope bytes.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// Now is the timestamp stamped on server events, in Unix milliseconds.
func Now() int64 { return time.Now().UnixMilli() }

// Intent payloads.

type RoomIntent struct {
	RoomID string `json:"roomId"`
}

// BlockPayload is the client's proposed new block. ID is optional; the
// server assigns one when absent. AfterID selects the insertion point
// (empty means append at the end); any client-supplied position is ignored.
type BlockPayload struct {
	ID      string           `json:"id,omitempty"`
	Type    script.BlockType `json:"type"`
	AfterID string           `json:"afterId,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

type AddBlockIntent struct {
	RoomID string       `json:"roomId"`
	Block  BlockPayload `json:"block"`
}

type UpdateBlockIntent struct {
	RoomID       string          `json:"roomId"`
	BlockID      string          `json:"blockId"`
	ParamUpdates json.RawMessage `json:"paramUpdates"`
}

type DeleteBlockIntent struct {
	RoomID  string `json:"roomId"`
	BlockID string `json:"blockId"`
}

type MoveBlockIntent struct {
	RoomID      string  `json:"roomId"`
	BlockID     string  `json:"blockId"`
	NewPosition float64 `json:"newPosition"`
}

type LockIntent struct {
	RoomID  string `json:"roomId"`
	BlockID string `json:"blockId"`
}

// Server event payloads. Every payload carries the server-resolved values,
// never an echo of the client's raw input.

type ActiveUsersEvent struct {
	RoomID      string              `json:"roomId"`
	ActiveUsers []identity.Identity `json:"activeUsers"`
	Timestamp   int64               `json:"timestamp"`
}

// RoomStateEvent is sent to a joining connection only: the presence and
// block snapshot it reconciles its initial render against.
type RoomStateEvent struct {
	RoomID      string              `json:"roomId"`
	Blocks      []script.Block      `json:"blocks"`
	ActiveUsers []identity.Identity `json:"activeUsers"`
	Timestamp   int64               `json:"timestamp"`
}

type UserJoinedEvent struct {
	RoomID      string              `json:"roomId"`
	Identity    identity.Identity   `json:"identity"`
	ActiveUsers []identity.Identity `json:"activeUsers"`
	Timestamp   int64               `json:"timestamp"`
}

type UserLeftEvent struct {
	RoomID      string              `json:"roomId"`
	UserID      string              `json:"userId"`
	ActiveUsers []identity.Identity `json:"activeUsers"`
	Timestamp   int64               `json:"timestamp"`
}

type BlockAddedEvent struct {
	RoomID    string       `json:"roomId"`
	Block     script.Block `json:"block"`
	Timestamp int64        `json:"timestamp"`
}

type BlockUpdatedEvent struct {
	RoomID       string          `json:"roomId"`
	BlockID      string          `json:"blockId"`
	ParamUpdates json.RawMessage `json:"paramUpdates"`
	Timestamp    int64           `json:"timestamp"`
}

type BlockDeletedEvent struct {
	RoomID    string `json:"roomId"`
	BlockID   string `json:"blockId"`
	Timestamp int64  `json:"timestamp"`
}

type BlockMovedEvent struct {
	RoomID      string  `json:"roomId"`
	BlockID     string  `json:"blockId"`
	NewPosition float64 `json:"newPosition"`
	Timestamp   int64   `json:"timestamp"`
}

type BlockLockedEvent struct {
	RoomID    string            `json:"roomId"`
	BlockID   string            `json:"blockId"`
	LockedBy  identity.Identity `json:"lockedBy"`
	Timestamp int64             `json:"timestamp"`
}

type BlockUnlockedEvent struct {
	RoomID    string `json:"roomId"`
	BlockID   string `json:"blockId"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
