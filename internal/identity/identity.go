// Package identity defines the verified identity attached to every
// connection. Session issuance and verification live outside the sync core;
// this package only models the (userId, displayName) pair the core receives
// and the seam through which it arrives.
package identity

import (
	"errors"
	"net/http"
)

// Identity is the externally verified user behind a connection. It is
// immutable for the lifetime of the connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("identity: no verified identity on request")

// Provider extracts the verified identity for an incoming connection.
// Production deployments put a real session verifier behind this interface.
type Provider interface {
	FromRequest(r *http.Request) (Identity, error)
}

// HeaderProvider reads the identity from trusted headers, falling back to
// query parameters for browser websocket clients that cannot set headers.
// It trusts its input and is only suitable behind an authenticating proxy
// or in development.
type HeaderProvider struct{}

func (HeaderProvider) FromRequest(r *http.Request) (Identity, error) {
	id := Identity{
		UserID:      r.Header.Get("X-User-Id"),
		DisplayName: r.Header.Get("X-User-Name"),
	}
	if id.UserID == "" {
		id.UserID = r.URL.Query().Get("userId")
		id.DisplayName = r.URL.Query().Get("displayName")
	}
	if id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}
