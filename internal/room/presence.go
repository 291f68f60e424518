// Package room implements the live-session core: the presence registry,
// the per-connection held-lock index, and the Coordinator that turns client
// intents into authoritative broadcast events.
package room

import (
	"sync"

	"scriptroom/internal/identity"
)

// presenceEntry records one connection viewing a room.
type presenceEntry struct {
	connID string
	id     identity.Identity
}

// presence is the authoritative who-is-here registry. Rooms are not
// materialized until the first join and the map entry is dropped when the
// last viewer leaves; nothing else about a room lives in memory, so that is
// safe. At most one entry per (room, userId): a reconnecting identity
// evicts its stale entry, last connection wins for display. Connections are
// still tracked individually elsewhere for disconnect cleanup.
type presence struct {
	mu    sync.Mutex
	rooms map[string][]presenceEntry
}

func newPresence() *presence {
	return &presence{rooms: make(map[string][]presenceEntry)}
}

// join inserts the connection, evicting any prior entry for the same user
// in the room, and returns the resulting snapshot.
func (p *presence) join(roomID, connID string, id identity.Identity) []identity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.rooms[roomID]
	kept := entries[:0]
	for _, e := range entries {
		if e.id.UserID != id.UserID {
			kept = append(kept, e)
		}
	}
	kept = append(kept, presenceEntry{connID: connID, id: id})
	p.rooms[roomID] = kept
	return usersOf(kept)
}

// leave removes the connection's entry if it owns one. removed reports
// whether an entry was actually dropped (an evicted connection no longer
// owns one).
func (p *presence) leave(roomID, connID string) (removed bool, remaining []identity.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.rooms[roomID]
	kept := entries[:0]
	for _, e := range entries {
		if e.connID == connID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(p.rooms, roomID)
	} else {
		p.rooms[roomID] = kept
	}
	return removed, usersOf(kept)
}

// snapshot returns the current viewers of a room.
func (p *presence) snapshot(roomID string) []identity.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return usersOf(p.rooms[roomID])
}

func usersOf(entries []presenceEntry) []identity.Identity {
	users := make([]identity.Identity, len(entries))
	for i, e := range entries {
		users[i] = e.id
	}
	return users
}
