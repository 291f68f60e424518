package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scriptroom/internal/identity"
	"scriptroom/internal/protocol"
	"scriptroom/internal/script"
)

// Broadcaster fans authoritative events out to connections. The Coordinator
// drives room membership through it so broadcast targeting and presence
// stay in step.
type Broadcaster interface {
	JoinRoom(roomID, connID string)
	LeaveRoom(roomID, connID string)
	ToRoom(roomID string, ev protocol.Event)
	ToRoomExcept(roomID, exceptConnID string, ev protocol.Event)
	ToConn(connID string, ev protocol.Event)
}

var errUnknownConnection = errors.New("unknown connection")

// lockKey identifies one held block lock. Room ids and document ids are the
// same namespace: one room per document.
type lockKey struct {
	docID   string
	blockID string
}

// connState is the coordinator's per-connection record. held is the reverse
// index from this connection to the locks acquired through it, so disconnect
// cleanup never scans the store. A second connection of the same identity
// keeps its own held set; disconnecting one releases only its own locks.
type connState struct {
	id    string
	ident identity.Identity
	rooms map[string]struct{}
	held  map[lockKey]struct{}
}

// Coordinator is the single authority a connection talks to. It validates
// intents against the Store, applies them as atomic store operations, and
// broadcasts the resulting authoritative events. In-memory state (presence,
// connection table, held-lock index) is process-local; everything
// correctness-critical for locking lives in the Store's conditional
// updates, so coordinators can be replicated behind a shared store and
// relay.
type Coordinator struct {
	store  script.Store
	bcast  Broadcaster
	logger *slog.Logger
	clock  func() time.Time

	presence *presence

	mu        sync.Mutex
	conns     map[string]*connState
	roomLocks map[string]*sync.Mutex
}

func NewCoordinator(store script.Store, bcast Broadcaster, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     store,
		bcast:     bcast,
		logger:    logger,
		clock:     time.Now,
		presence:  newPresence(),
		conns:     make(map[string]*connState),
		roomLocks: make(map[string]*sync.Mutex),
	}
}

// Connect registers a new connection with its verified identity.
func (c *Coordinator) Connect(connID string, id identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[connID] = &connState{
		id:    connID,
		ident: id,
		rooms: make(map[string]struct{}),
		held:  make(map[lockKey]struct{}),
	}
}

func (c *Coordinator) conn(connID string) (*connState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.conns[connID]
	if !ok {
		return nil, errUnknownConnection
	}
	return cs, nil
}

// roomLock returns the mutex serializing logical operations on one room.
func (c *Coordinator) roomLock(roomID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	rl, ok := c.roomLocks[roomID]
	if !ok {
		rl = &sync.Mutex{}
		c.roomLocks[roomID] = rl
	}
	return rl
}

func (c *Coordinator) isMember(cs *connState, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := cs.rooms[roomID]
	return ok
}

func (c *Coordinator) requireMember(cs *connState, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: missing roomId", script.ErrInvalidIntent)
	}
	if !c.isMember(cs, roomID) {
		return fmt.Errorf("%w: not joined to room %s", script.ErrInvalidIntent, roomID)
	}
	return nil
}

// Join registers presence in the room and answers the joiner with the
// current room snapshot. The userJoined broadcast goes to the whole room,
// joiner included.
func (c *Coordinator) Join(ctx context.Context, connID, roomID string) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: missing roomId", script.ErrInvalidIntent)
	}
	rl := c.roomLock(roomID)
	rl.Lock()
	defer rl.Unlock()

	doc, err := c.store.Document(ctx, roomID)
	if err != nil {
		return err
	}
	users := c.presence.join(roomID, connID, cs.ident)
	c.mu.Lock()
	cs.rooms[roomID] = struct{}{}
	c.mu.Unlock()

	c.bcast.JoinRoom(roomID, connID)
	c.bcast.ToRoom(roomID, protocol.Event{Name: protocol.EventUserJoined, Data: protocol.UserJoinedEvent{
		RoomID:      roomID,
		Identity:    cs.ident,
		ActiveUsers: users,
		Timestamp:   protocol.Now(),
	}})
	c.bcast.ToConn(connID, protocol.Event{Name: protocol.EventRoomState, Data: protocol.RoomStateEvent{
		RoomID:      roomID,
		Blocks:      doc.Blocks,
		ActiveUsers: users,
		Timestamp:   protocol.Now(),
	}})
	return nil
}

// Leave removes the connection from the room. userLeft goes to the
// remaining members only, and only when the connection still owned a
// presence entry (a reconnect may have evicted it already).
func (c *Coordinator) Leave(ctx context.Context, connID, roomID string) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, roomID); err != nil {
		return err
	}
	rl := c.roomLock(roomID)
	rl.Lock()
	defer rl.Unlock()
	c.leaveRoomLocked(cs, roomID)
	return nil
}

// leaveRoomLocked runs under the room's mutex.
func (c *Coordinator) leaveRoomLocked(cs *connState, roomID string) {
	removed, remaining := c.presence.leave(roomID, cs.id)
	c.mu.Lock()
	delete(cs.rooms, roomID)
	c.mu.Unlock()
	c.bcast.LeaveRoom(roomID, cs.id)
	if removed {
		c.bcast.ToRoom(roomID, protocol.Event{Name: protocol.EventUserLeft, Data: protocol.UserLeftEvent{
			RoomID:      roomID,
			UserID:      cs.ident.UserID,
			ActiveUsers: remaining,
			Timestamp:   protocol.Now(),
		}})
	}
}

// ActiveUsers answers a who-is-here query to the requesting connection only.
func (c *Coordinator) ActiveUsers(ctx context.Context, connID, roomID string) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, roomID); err != nil {
		return err
	}
	c.bcast.ToConn(connID, protocol.Event{Name: protocol.EventActiveUsers, Data: protocol.ActiveUsersEvent{
		RoomID:      roomID,
		ActiveUsers: c.presence.snapshot(roomID),
		Timestamp:   protocol.Now(),
	}})
	return nil
}

// AddBlock inserts a new block. The server assigns the id (when absent) and
// the position; the broadcast goes to the whole room, sender included, so
// the sender can reconcile its optimistic copy against the assigned values.
func (c *Coordinator) AddBlock(ctx context.Context, connID string, in protocol.AddBlockIntent) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, in.RoomID); err != nil {
		return err
	}
	rl := c.roomLock(in.RoomID)
	rl.Lock()
	defer rl.Unlock()

	if err := c.requireEdit(ctx, in.RoomID, cs.ident.UserID); err != nil {
		return err
	}
	params, err := script.DecodeParams(in.Block.Type, in.Block.Params)
	if err != nil {
		return fmt.Errorf("%w: %v", script.ErrInvalidIntent, err)
	}
	doc, err := c.store.Document(ctx, in.RoomID)
	if err != nil {
		return err
	}
	pos, err := script.NextPosition(doc.Blocks, in.Block.AfterID)
	if err != nil {
		return err
	}
	b := script.Block{
		ID:       in.Block.ID,
		Type:     in.Block.Type,
		Position: pos,
		Params:   params,
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := c.store.InsertBlock(ctx, in.RoomID, b); err != nil {
		return err
	}
	c.bcast.ToRoom(in.RoomID, protocol.Event{Name: protocol.EventBlockAdded, Data: protocol.BlockAddedEvent{
		RoomID:    in.RoomID,
		Block:     b,
		Timestamp: protocol.Now(),
	}})
	return nil
}

// UpdateBlock merges a same-type partial param update into a block. The
// sender must hold the block's lock; the store enforces that atomically.
// The broadcast goes to the other members only.
func (c *Coordinator) UpdateBlock(ctx context.Context, connID string, in protocol.UpdateBlockIntent) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, in.RoomID); err != nil {
		return err
	}
	rl := c.roomLock(in.RoomID)
	rl.Lock()
	defer rl.Unlock()

	doc, err := c.store.Document(ctx, in.RoomID)
	if err != nil {
		return err
	}
	b := doc.Block(in.BlockID)
	if b == nil {
		return script.ErrBlockNotFound
	}
	patch, err := script.DecodePatch(b.Type, in.ParamUpdates)
	if err != nil {
		return err
	}
	if _, err := c.store.UpdateBlockParams(ctx, in.RoomID, in.BlockID, cs.ident.UserID, patch); err != nil {
		return err
	}
	c.bcast.ToRoomExcept(in.RoomID, connID, protocol.Event{Name: protocol.EventBlockUpdated, Data: protocol.BlockUpdatedEvent{
		RoomID:       in.RoomID,
		BlockID:      in.BlockID,
		ParamUpdates: script.NormalizePatch(patch),
		Timestamp:    protocol.Now(),
	}})
	return nil
}

// DeleteBlock removes a block. Deleting a block locked by someone else is a
// conflict; the broadcast goes to the other members only.
func (c *Coordinator) DeleteBlock(ctx context.Context, connID string, in protocol.DeleteBlockIntent) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, in.RoomID); err != nil {
		return err
	}
	rl := c.roomLock(in.RoomID)
	rl.Lock()
	defer rl.Unlock()

	if err := c.requireEdit(ctx, in.RoomID, cs.ident.UserID); err != nil {
		return err
	}
	if err := c.store.DeleteBlock(ctx, in.RoomID, in.BlockID, cs.ident.UserID); err != nil {
		return err
	}
	c.dropLockEntries(lockKey{docID: in.RoomID, blockID: in.BlockID})
	c.bcast.ToRoomExcept(in.RoomID, connID, protocol.Event{Name: protocol.EventBlockDeleted, Data: protocol.BlockDeletedEvent{
		RoomID:    in.RoomID,
		BlockID:   in.BlockID,
		Timestamp: protocol.Now(),
	}})
	return nil
}

// MoveBlock recomputes the block's position from the neighbors the client's
// requested slot lands between and persists the server-resolved value. The
// broadcast goes to the other members only.
func (c *Coordinator) MoveBlock(ctx context.Context, connID string, in protocol.MoveBlockIntent) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, in.RoomID); err != nil {
		return err
	}
	rl := c.roomLock(in.RoomID)
	rl.Lock()
	defer rl.Unlock()

	if err := c.requireEdit(ctx, in.RoomID, cs.ident.UserID); err != nil {
		return err
	}
	doc, err := c.store.Document(ctx, in.RoomID)
	if err != nil {
		return err
	}
	pos, err := script.MovePosition(doc.Blocks, in.BlockID, in.NewPosition)
	if err != nil {
		return err
	}
	if err := c.store.MoveBlock(ctx, in.RoomID, in.BlockID, pos); err != nil {
		return err
	}
	c.bcast.ToRoomExcept(in.RoomID, connID, protocol.Event{Name: protocol.EventBlockMoved, Data: protocol.BlockMovedEvent{
		RoomID:      in.RoomID,
		BlockID:     in.BlockID,
		NewPosition: pos,
		Timestamp:   protocol.Now(),
	}})
	return nil
}

// LockBlock tries to acquire the block's exclusive edit lock. Success is
// broadcast to the whole room; a conflict is reported to the caller only,
// carrying the current holder.
func (c *Coordinator) LockBlock(ctx context.Context, connID, roomID, blockID string) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, roomID); err != nil {
		return err
	}
	rl := c.roomLock(roomID)
	rl.Lock()
	defer rl.Unlock()

	if err := c.requireEdit(ctx, roomID, cs.ident.UserID); err != nil {
		return err
	}
	if err := c.store.TryLockBlock(ctx, roomID, blockID, cs.ident, c.clock()); err != nil {
		return err
	}
	c.mu.Lock()
	cs.held[lockKey{docID: roomID, blockID: blockID}] = struct{}{}
	c.mu.Unlock()

	c.bcast.ToRoom(roomID, protocol.Event{Name: protocol.EventBlockLocked, Data: protocol.BlockLockedEvent{
		RoomID:    roomID,
		BlockID:   blockID,
		LockedBy:  cs.ident,
		Timestamp: protocol.Now(),
	}})
	return nil
}

// UnlockBlock releases the lock if the caller's identity holds it. Releasing
// an already unlocked block is a no-op; unlock by a non-holder is rejected
// to the caller only. An actual release is broadcast to the whole room.
func (c *Coordinator) UnlockBlock(ctx context.Context, connID, roomID, blockID string) error {
	cs, err := c.conn(connID)
	if err != nil {
		return err
	}
	if err := c.requireMember(cs, roomID); err != nil {
		return err
	}
	rl := c.roomLock(roomID)
	rl.Lock()
	defer rl.Unlock()

	released, err := c.store.UnlockBlock(ctx, roomID, blockID, cs.ident.UserID)
	if err != nil {
		return err
	}
	c.dropLockEntriesFor(cs.ident.UserID, lockKey{docID: roomID, blockID: blockID})
	if !released {
		return nil
	}
	c.bcast.ToRoom(roomID, protocol.Event{Name: protocol.EventBlockUnlocked, Data: protocol.BlockUnlockedEvent{
		RoomID:    roomID,
		BlockID:   blockID,
		Timestamp: protocol.Now(),
	}})
	return nil
}

// Disconnect tears down everything the connection held: presence in every
// joined room, then every lock acquired through this connection, then the
// connection record itself. Store failures during cleanup are logged and
// skipped; a stuck lock is the accepted degraded outcome and the next
// successful unlock clears it.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	c.mu.Lock()
	cs, ok := c.conns[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.conns, connID)
	rooms := make([]string, 0, len(cs.rooms))
	for r := range cs.rooms {
		rooms = append(rooms, r)
	}
	held := make([]lockKey, 0, len(cs.held))
	for k := range cs.held {
		held = append(held, k)
	}
	c.mu.Unlock()

	sort.Strings(rooms)
	sort.Slice(held, func(i, j int) bool {
		if held[i].docID == held[j].docID {
			return held[i].blockID < held[j].blockID
		}
		return held[i].docID < held[j].docID
	})

	for _, roomID := range rooms {
		rl := c.roomLock(roomID)
		rl.Lock()
		c.leaveRoomLocked(cs, roomID)
		rl.Unlock()
	}

	for _, k := range held {
		released, err := c.store.UnlockBlock(ctx, k.docID, k.blockID, cs.ident.UserID)
		if err != nil {
			c.logger.Warn("releasing lock on disconnect failed",
				"conn", connID, "doc", k.docID, "block", k.blockID, "err", err)
			continue
		}
		if released {
			c.bcast.ToRoom(k.docID, protocol.Event{Name: protocol.EventBlockUnlocked, Data: protocol.BlockUnlockedEvent{
				RoomID:    k.docID,
				BlockID:   k.blockID,
				Timestamp: protocol.Now(),
			}})
		}
	}
}

func (c *Coordinator) requireEdit(ctx context.Context, docID, userID string) error {
	ok, err := c.store.CanEdit(ctx, docID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return script.ErrForbidden
	}
	return nil
}

// dropLockEntries removes key from every connection's held set, used when
// the underlying block is gone.
func (c *Coordinator) dropLockEntries(key lockKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.conns {
		delete(cs.held, key)
	}
}

// dropLockEntriesFor removes key from the held sets of every connection
// belonging to userID. The store keys locks by identity, so an unlock may
// clear a lock acquired through a sibling connection of the same user.
func (c *Coordinator) dropLockEntriesFor(userID string, key lockKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.conns {
		if cs.ident.UserID == userID {
			delete(cs.held, key)
		}
	}
}
