package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scriptroom/internal/identity"
	"scriptroom/internal/protocol"
	"scriptroom/internal/room"
	"scriptroom/internal/script"
)

// Handler upgrades requests to websockets and runs the per-connection read
// loop, dispatching intents to the coordinator. Each connection is one
// goroutine reading intents plus the hub's write pump.
type Handler struct {
	hub      *Hub
	coord    *room.Coordinator
	ids      identity.Provider
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, coord *room.Coordinator, ids identity.Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		coord:  coord,
		ids:    ids,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := h.ids.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	conn := NewConn(uuid.NewString(), ident, sock)
	h.hub.Register(conn)
	h.coord.Connect(conn.ID, ident)
	h.logger.Info("client connected", "conn", conn.ID, "user", ident.UserID)

	// The connection outlives the upgrade request, so intents run against
	// a background context; a disconnect mid-intent surfaces as a read
	// error and cleanup below.
	ctx := context.Background()
	for {
		_, msg, err := sock.ReadMessage()
		if err != nil {
			break
		}
		h.dispatch(ctx, conn, msg)
	}

	h.coord.Disconnect(context.Background(), conn.ID)
	h.hub.Unregister(conn.ID)
	h.logger.Info("client disconnected", "conn", conn.ID, "user", ident.UserID)
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(conn, fmt.Errorf("%w: malformed envelope: %v", script.ErrInvalidIntent, err))
		return
	}

	var err error
	switch env.Event {
	case protocol.IntentJoinRoom:
		err = withIntent(env.Data, func(in protocol.RoomIntent) error {
			return h.coord.Join(ctx, conn.ID, in.RoomID)
		})
	case protocol.IntentLeaveRoom:
		err = withIntent(env.Data, func(in protocol.RoomIntent) error {
			return h.coord.Leave(ctx, conn.ID, in.RoomID)
		})
	case protocol.IntentGetActiveUsers:
		err = withIntent(env.Data, func(in protocol.RoomIntent) error {
			return h.coord.ActiveUsers(ctx, conn.ID, in.RoomID)
		})
	case protocol.IntentBlockAdded:
		err = withIntent(env.Data, func(in protocol.AddBlockIntent) error {
			return h.coord.AddBlock(ctx, conn.ID, in)
		})
	case protocol.IntentBlockUpdated:
		err = withIntent(env.Data, func(in protocol.UpdateBlockIntent) error {
			return h.coord.UpdateBlock(ctx, conn.ID, in)
		})
	case protocol.IntentBlockDeleted:
		err = withIntent(env.Data, func(in protocol.DeleteBlockIntent) error {
			return h.coord.DeleteBlock(ctx, conn.ID, in)
		})
	case protocol.IntentBlockMoved:
		err = withIntent(env.Data, func(in protocol.MoveBlockIntent) error {
			return h.coord.MoveBlock(ctx, conn.ID, in)
		})
	case protocol.IntentBlockLock:
		err = withIntent(env.Data, func(in protocol.LockIntent) error {
			return h.coord.LockBlock(ctx, conn.ID, in.RoomID, in.BlockID)
		})
	case protocol.IntentBlockUnlock:
		err = withIntent(env.Data, func(in protocol.LockIntent) error {
			return h.coord.UnlockBlock(ctx, conn.ID, in.RoomID, in.BlockID)
		})
	default:
		err = fmt.Errorf("%w: unknown intent %q", script.ErrInvalidIntent, env.Event)
	}
	if err != nil {
		h.sendError(conn, err)
	}
}

func withIntent[T any](data json.RawMessage, fn func(T) error) error {
	var in T
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", script.ErrInvalidIntent, err)
	}
	return fn(in)
}

// sendError maps an intent failure to the error event sent to the
// originating connection only. Nothing here is broadcast and nothing leaks
// beyond what the failing caller may know; lock conflicts name the holder
// so the client can show who to wait for.
func (h *Handler) sendError(conn *Conn, err error) {
	var conflict *script.LockConflictError
	ev := protocol.ErrorEvent{Message: "internal error"}
	switch {
	case errors.As(err, &conflict):
		ev.Message = "block is locked"
		ev.Detail = "locked by " + conflict.Holder.DisplayName
	case errors.Is(err, script.ErrInvalidIntent), errors.Is(err, script.ErrUnknownBlockType):
		ev.Message = "invalid intent"
		ev.Detail = err.Error()
	case errors.Is(err, script.ErrForbidden):
		ev.Message = "no edit permission"
	case errors.Is(err, script.ErrDocumentNotFound):
		ev.Message = "document not found"
	case errors.Is(err, script.ErrBlockNotFound):
		ev.Message = "block not found"
	case errors.Is(err, script.ErrBlockExists):
		ev.Message = "block already exists"
	case errors.Is(err, script.ErrNotHolder):
		ev.Message = "block locked by another user"
	case errors.Is(err, script.ErrTypeMismatch):
		ev.Message = "param update does not match block type"
	default:
		// Store or transport failure: generic, safe to retry.
		h.logger.Error("intent failed", "conn", conn.ID, "err", err)
	}
	h.hub.ToConn(conn.ID, protocol.Event{Name: protocol.EventError, Data: ev})
}
