package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"scriptroom/internal/protocol"
)

// Hub tracks connected clients and their room membership and implements the
// room.Broadcaster fan-out. With a Redis client configured, room events are
// published to a per-room channel and delivered off the subscription, so
// replicated server instances all see them; without one, delivery is
// direct.
type Hub struct {
	logger *slog.Logger
	rdb    *redis.Client
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

// relayFrame is the envelope published to Redis. Except names a connection
// to skip; it only exists on the instance that published, which is exactly
// where skipping matters.
type relayFrame struct {
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

func roomChannel(roomID string) string { return "scriptroom:room:" + roomID }

// NewHub creates a hub. rdb may be nil for a single-instance deployment.
func NewHub(rdb *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger: logger,
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
	}
	if rdb != nil {
		h.pubsub = rdb.Subscribe(ctx)
		go h.relayLoop()
	}
	return h
}

// Close tears the hub down: the relay loop stops and every client's send
// channel is closed, which ends its write pump.
func (h *Hub) Close() {
	h.cancel()
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		c.closeSend()
		delete(h.conns, id)
	}
	h.rooms = make(map[string]map[string]*Conn)
}

// Register adds the connection and starts its write pump.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	go c.writePump(h.logger)
}

// Unregister removes the connection from the hub and every room and closes
// its send channel.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	emptied := h.removeFromRoomsLocked(connID)
	h.mu.Unlock()

	c.closeSend()
	h.unsubscribe(emptied)
}

func (h *Hub) removeFromRoomsLocked(connID string) []string {
	var emptied []string
	for roomID, members := range h.rooms {
		if _, ok := members[connID]; !ok {
			continue
		}
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
			emptied = append(emptied, roomID)
		}
	}
	return emptied
}

// JoinRoom adds the connection to a room's delivery set, subscribing to the
// room's relay channel when it gains its first local member. The subscribe
// is issued before the member becomes visible; SUBSCRIBE and PUBLISH still
// travel on different Redis connections, so a publish racing the very first
// join can be processed ahead of the subscription. That window only affects
// the joiner itself, which receives its room snapshot directly.
func (h *Hub) JoinRoom(roomID, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	first := len(h.rooms[roomID]) == 0
	h.mu.Unlock()
	if !ok {
		return
	}

	if first && h.pubsub != nil {
		if err := h.pubsub.Subscribe(h.ctx, roomChannel(roomID)); err != nil {
			h.logger.Error("subscribe to room channel failed", "room", roomID, "err", err)
		}
	}

	h.mu.Lock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[roomID] = members
	}
	members[connID] = c
	h.mu.Unlock()
}

// LeaveRoom removes the connection from a room's delivery set.
func (h *Hub) LeaveRoom(roomID, connID string) {
	h.mu.Lock()
	members := h.rooms[roomID]
	delete(members, connID)
	var emptied []string
	if members != nil && len(members) == 0 {
		delete(h.rooms, roomID)
		emptied = []string{roomID}
	}
	h.mu.Unlock()
	h.unsubscribe(emptied)
}

func (h *Hub) unsubscribe(rooms []string) {
	if h.pubsub == nil || len(rooms) == 0 {
		return
	}
	for _, roomID := range rooms {
		if err := h.pubsub.Unsubscribe(h.ctx, roomChannel(roomID)); err != nil {
			h.logger.Debug("unsubscribe from room channel failed", "room", roomID, "err", err)
		}
	}
}

// ToRoom delivers the event to every member of the room.
func (h *Hub) ToRoom(roomID string, ev protocol.Event) {
	h.publish(roomID, "", ev)
}

// ToRoomExcept delivers the event to every member except one connection,
// used when the sender already holds equivalent optimistic state.
func (h *Hub) ToRoomExcept(roomID, exceptConnID string, ev protocol.Event) {
	h.publish(roomID, exceptConnID, ev)
}

// ToConn delivers the event to a single local connection.
func (h *Hub) ToConn(connID string, ev protocol.Event) {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("encode event failed", "event", ev.Name, "err", err)
		return
	}
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !c.enqueue(frame) {
		h.logger.Warn("client send buffer full, dropping connection", "conn", connID)
		h.Unregister(connID)
	}
}

func (h *Hub) publish(roomID, except string, ev protocol.Event) {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error("encode event failed", "event", ev.Name, "err", err)
		return
	}
	if h.rdb == nil {
		h.deliverLocal(roomID, except, frame)
		return
	}
	payload, err := json.Marshal(relayFrame{Room: roomID, Except: except, Frame: frame})
	if err != nil {
		h.logger.Error("encode relay frame failed", "event", ev.Name, "err", err)
		return
	}
	if err := h.rdb.Publish(h.ctx, roomChannel(roomID), payload).Err(); err != nil {
		// Local members still get the event; remote instances miss it
		// until the client refetches state.
		h.logger.Error("publish to room channel failed", "room", roomID, "err", err)
		h.deliverLocal(roomID, except, frame)
	}
}

func (h *Hub) relayLoop() {
	for msg := range h.pubsub.Channel() {
		var f relayFrame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			h.logger.Error("decode relay frame failed", "channel", msg.Channel, "err", err)
			continue
		}
		h.deliverLocal(f.Room, f.Except, f.Frame)
	}
}

func (h *Hub) deliverLocal(roomID, except string, frame []byte) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.rooms[roomID]))
	for id, c := range h.rooms[roomID] {
		if id == except {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(frame) {
			h.logger.Warn("client send buffer full, dropping connection", "conn", c.ID)
			h.Unregister(c.ID)
		}
	}
}
