package room

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scriptroom/internal/identity"
)

var (
	alice = identity.Identity{UserID: "u1", DisplayName: "Alice"}
	bob   = identity.Identity{UserID: "u2", DisplayName: "Bob"}
)

func TestPresenceJoinDedupesByUser(t *testing.T) {
	p := newPresence()

	users := p.join("r1", "c1", alice)
	require.Equal(t, []identity.Identity{alice}, users)

	users = p.join("r1", "c2", bob)
	require.Len(t, users, 2)

	// Second connection of the same identity evicts the stale entry.
	users = p.join("r1", "c3", alice)
	require.Len(t, users, 2)
}

func TestPresenceLeave(t *testing.T) {
	p := newPresence()
	p.join("r1", "c1", alice)
	p.join("r1", "c2", bob)

	removed, remaining := p.leave("r1", "c1")
	require.True(t, removed)
	require.Equal(t, []identity.Identity{bob}, remaining)

	// A connection whose entry was already evicted owns nothing.
	removed, _ = p.leave("r1", "c1")
	require.False(t, removed)
}

func TestPresenceEvictedConnectionLeaveKeepsUser(t *testing.T) {
	p := newPresence()
	p.join("r1", "c1", alice)
	p.join("r1", "c2", alice)

	removed, remaining := p.leave("r1", "c1")
	require.False(t, removed)
	require.Equal(t, []identity.Identity{alice}, remaining)
}

func TestPresenceRoomDroppedWhenEmpty(t *testing.T) {
	p := newPresence()
	p.join("r1", "c1", alice)
	p.leave("r1", "c1")

	require.Empty(t, p.snapshot("r1"))
	require.NotContains(t, p.rooms, "r1")
}

func TestPresenceSnapshotIsPerRoom(t *testing.T) {
	p := newPresence()
	p.join("r1", "c1", alice)
	p.join("r2", "c2", bob)

	require.Equal(t, []identity.Identity{alice}, p.snapshot("r1"))
	require.Equal(t, []identity.Identity{bob}, p.snapshot("r2"))
}
