// Package memoryhost provides an in-process implementation of the session
// gateway. It is suitable for single-node deployments, embedded use, and
// tests; nothing is shared across processes.
package memoryhost

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaywire/relaywire/sessions"
)

// Sink receives frames addressed to a session. Implementations must tolerate
// concurrent calls; a returned error marks the frame undeliverable but does
// not detach the session.
type Sink func(ctx context.Context, data []byte) error

// Host implements sessions.Gateway over in-memory maps.
type Host struct {
	log *slog.Logger

	mu         sync.RWMutex
	byID       map[string]*session
	byIdentity map[string]*session
}

type session struct {
	id       string
	identity string
	sink     Sink
}

func (s *session) SessionID() string { return s.id }
func (s *session) Identity() string  { return s.identity }

// Option configures the host.
type Option func(*Host)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New creates an empty in-memory host.
func New(opts ...Option) *Host {
	h := &Host{
		byID:       make(map[string]*session),
		byIdentity: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	return h
}

// Attach registers a new session under the given logical identity and
// returns its handle. The identity must not already be connected.
func (h *Host) Attach(identity string, sink Sink) (sessions.Session, error) {
	key := identityKey(identity)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byIdentity[key]; exists {
		return nil, sessions.ErrIdentityInUse
	}
	s := &session{
		id:       uuid.NewString(),
		identity: identity,
		sink:     sink,
	}
	h.byID[s.id] = s
	h.byIdentity[key] = s
	return s, nil
}

// Detach removes a session. Detaching an unknown session is a no-op.
func (h *Host) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byID[sessionID]
	if !ok {
		return
	}
	delete(h.byID, sessionID)
	delete(h.byIdentity, identityKey(s.identity))
}

// Lookup implements sessions.Registry.
func (h *Host) Lookup(identity string) (sessions.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.byIdentity[identityKey(identity)]
	if !ok {
		return nil, false
	}
	return s, true
}

// Enumerate implements sessions.Registry.
func (h *Host) Enumerate() []sessions.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := make([]sessions.Session, 0, len(h.byID))
	for _, s := range h.byID {
		all = append(all, s)
	}
	return all
}

// Send implements sessions.Gateway.
func (h *Host) Send(ctx context.Context, sessionID string, data []byte) error {
	h.mu.RLock()
	s, ok := h.byID[sessionID]
	h.mu.RUnlock()
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return s.sink(ctx, data)
}

// Broadcast implements sessions.Gateway. Per-session delivery failures are
// logged and skipped so one slow or dead session cannot block the fan-out.
func (h *Host) Broadcast(ctx context.Context, exceptSessionID string, data []byte) error {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.byID))
	for id, s := range h.byID {
		if id == exceptSessionID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.sink(ctx, data); err != nil {
			h.log.Debug("broadcast delivery failed",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func identityKey(identity string) string {
	return strings.ToUpper(strings.TrimSpace(identity))
}

// Compile-time interface check
var _ sessions.Gateway = (*Host)(nil)
