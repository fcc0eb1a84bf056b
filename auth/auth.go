// Package auth provides the authentication boundary for the relay server.
// Every session must carry a verified identity before any relay operation is
// reachable; token issuance is out of scope and handled elsewhere.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the stable unique identifier for the principal.
	UserID() string
	// Identity returns the logical name other sessions address this
	// principal by.
	Identity() string
}

// Authenticator validates bearer tokens and returns the associated identity.
// It must return an error matching ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// ExtractBearer strips an optional "Bearer " prefix (case-insensitive) from
// a handshake token field.
func ExtractBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}
