package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates the session ID is not (or no longer)
	// registered with the gateway.
	ErrSessionNotFound = errors.New("session not found")
	// ErrIdentityInUse indicates another live session already holds the
	// logical identity.
	ErrIdentityInUse = errors.New("identity already connected")
)

// Session is a live, authenticated connection with a logical identity.
// Implementations must be safe for concurrent use.
type Session interface {
	// SessionID returns the unique ID assigned at registration time.
	SessionID() string
	// Identity returns the logical name the session authenticated as.
	Identity() string
}

// Registry resolves logical identities to their currently connected session.
// It is a read-through view over the gateway's bookkeeping and holds no
// independent state.
type Registry interface {
	// Lookup resolves a logical identity. Matching is case-insensitive.
	Lookup(identity string) (Session, bool)
	// Enumerate returns all currently connected sessions.
	Enumerate() []Session
}

// Gateway is the delivery boundary the relay core calls into. It combines
// identity resolution with frame delivery; the core never touches transport
// connections directly.
type Gateway interface {
	Registry

	// Send delivers a frame to a single session. Returns ErrSessionNotFound
	// if the session is not registered.
	Send(ctx context.Context, sessionID string, data []byte) error
	// Broadcast fans a frame out to every session except exceptSessionID.
	// Delivery is best-effort; per-session failures do not abort the fan-out.
	Broadcast(ctx context.Context, exceptSessionID string, data []byte) error
}
