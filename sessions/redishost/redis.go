// Package redishost extends a local session gateway across multiple server
// instances using Redis. Identity claims live in keyspace entries with TTLs,
// frames for remote sessions travel over per-instance inbox streams, and
// broadcasts and orphaned replies fan out over pub/sub.
package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaywire/relaywire/sessions"
)

// Config for the Redis-backed host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RELAY_KEY_PREFIX
	KeyPrefix string `env:"RELAY_KEY_PREFIX,default=relaywire:"`
	// InstanceID distinguishes this server instance. Defaults to a UUID.
	// ENV: RELAY_INSTANCE_ID
	InstanceID string `env:"RELAY_INSTANCE_ID"`
	// ClaimTTL bounds how long a dead instance's identity claims linger.
	// ENV: RELAY_CLAIM_TTL
	ClaimTTL time.Duration `env:"RELAY_CLAIM_TTL,default=30s"`
}

// ReplyHandler receives replies forwarded from other instances. It returns
// true when a local pending record consumed the reply.
type ReplyHandler func(correlationID string, payload []byte) bool

// Host implements sessions.Gateway over a local gateway plus Redis state.
type Host struct {
	client     *redis.Client
	prefix     string
	instanceID string
	claimTTL   time.Duration

	local   sessions.Gateway
	log     *slog.Logger
	onReply ReplyHandler
}

// Option configures the host.
type Option func(*Host)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithReplyHandler wires replies forwarded by other instances into the local
// coordinator.
func WithReplyHandler(fn ReplyHandler) Option {
	return func(h *Host) { h.onReply = fn }
}

// New connects to Redis and wraps the local gateway.
func New(cfg Config, local sessions.Gateway, opts ...Option) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relaywire:"
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	h := &Host{
		client:     cl,
		prefix:     prefix,
		instanceID: instance,
		claimTTL:   ttl,
		local:      local,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(local sessions.Gateway, opts ...Option) (*Host, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, local, opts...)
}

// InstanceID returns this host's instance discriminator.
func (h *Host) InstanceID() string { return h.instanceID }

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) identityKey(identity string) string {
	return h.prefix + "identity:" + identityKey(identity)
}
func (h *Host) sessionKey(sessionID string) string { return h.prefix + "session:" + sessionID }
func (h *Host) inboxKey(instanceID string) string  { return h.prefix + "inbox:" + instanceID }
func (h *Host) broadcastChannel() string           { return h.prefix + "broadcast" }
func (h *Host) replyChannel() string               { return h.prefix + "replies" }

func identityKey(identity string) string {
	return strings.ToUpper(strings.TrimSpace(identity))
}

// claim is the JSON value stored under an identity key.
type claim struct {
	SessionID  string `json:"sessionId"`
	Identity   string `json:"identity"`
	InstanceID string `json:"instanceId"`
}

// remoteSession is a session handle resolved from another instance's claim.
type remoteSession struct {
	id       string
	identity string
}

func (s *remoteSession) SessionID() string { return s.id }
func (s *remoteSession) Identity() string  { return s.identity }

// --- Registration ---

// Announce claims the session's identity cluster-wide. It must be called
// after the session attaches locally; the claim expires unless refreshed by
// Run's heartbeat.
func (h *Host) Announce(ctx context.Context, sess sessions.Session) error {
	val, err := json.Marshal(claim{
		SessionID:  sess.SessionID(),
		Identity:   sess.Identity(),
		InstanceID: h.instanceID,
	})
	if err != nil {
		return err
	}
	ok, err := h.client.SetNX(ctx, h.identityKey(sess.Identity()), val, h.claimTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrIdentityInUse
	}
	return h.client.Set(ctx, h.sessionKey(sess.SessionID()), h.instanceID, h.claimTTL).Err()
}

// Retract drops the session's cluster-wide claim. Best-effort.
func (h *Host) Retract(ctx context.Context, sess sessions.Session) {
	c := context.WithoutCancel(ctx)
	_, _ = h.client.Del(c, h.identityKey(sess.Identity()), h.sessionKey(sess.SessionID())).Result()
}

// --- sessions.Registry ---

func (h *Host) Lookup(identity string) (sessions.Session, bool) {
	if s, ok := h.local.Lookup(identity); ok {
		return s, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := h.client.Get(ctx, h.identityKey(identity)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			h.log.Warn("identity lookup failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var cl claim
	if err := json.Unmarshal(data, &cl); err != nil {
		return nil, false
	}
	return &remoteSession{id: cl.SessionID, identity: cl.Identity}, true
}

func (h *Host) Enumerate() []sessions.Session {
	all := h.local.Enumerate()
	seen := make(map[string]struct{}, len(all))
	for _, s := range all {
		seen[s.SessionID()] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, h.prefix+"identity:*", 50).Result()
		if err != nil {
			h.log.Warn("identity scan failed", slog.String("error", err.Error()))
			return all
		}
		for _, key := range keys {
			data, err := h.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var cl claim
			if err := json.Unmarshal(data, &cl); err != nil {
				continue
			}
			if _, dup := seen[cl.SessionID]; dup {
				continue
			}
			seen[cl.SessionID] = struct{}{}
			all = append(all, &remoteSession{id: cl.SessionID, identity: cl.Identity})
		}
		if cur == 0 {
			return all
		}
		cursor = cur
	}
}

// --- sessions.Gateway ---

// inboxFrame is one entry on an instance's inbox stream.
type inboxFrame struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

func (h *Host) Send(ctx context.Context, sessionID string, data []byte) error {
	err := h.local.Send(ctx, sessionID, data)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		return err
	}

	instance, err := h.client.Get(ctx, h.sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessions.ErrSessionNotFound
		}
		return err
	}
	frame, err := json.Marshal(inboxFrame{SessionID: sessionID, Data: data})
	if err != nil {
		return err
	}
	return h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.inboxKey(instance),
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{"f": frame},
	}).Err()
}

// fanout is the payload published on the broadcast and reply channels.
type fanout struct {
	Origin        string `json:"origin"`
	Except        string `json:"except,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Data          []byte `json:"data"`
}

func (h *Host) Broadcast(ctx context.Context, exceptSessionID string, data []byte) error {
	if err := h.local.Broadcast(ctx, exceptSessionID, data); err != nil {
		return err
	}
	payload, err := json.Marshal(fanout{Origin: h.instanceID, Except: exceptSessionID, Data: data})
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.broadcastChannel(), payload).Err()
}

// ForwardReply publishes a reply whose pending record lives on another
// instance. Whichever instance holds the record consumes it; everyone else
// drops it.
func (h *Host) ForwardReply(ctx context.Context, correlationID string, payload []byte) error {
	msg, err := json.Marshal(fanout{Origin: h.instanceID, CorrelationID: correlationID, Data: payload})
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.replyChannel(), msg).Err()
}

// --- Background loops ---

// Run drives the host: a heartbeat refreshing this instance's claims, the
// inbox pump delivering frames addressed to local sessions, and the pub/sub
// consumer for broadcasts and forwarded replies. It blocks until ctx ends.
func (h *Host) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	go func() { errCh <- h.runHeartbeat(ctx) }()
	go func() { errCh <- h.runInboxPump(ctx) }()
	go func() { errCh <- h.runPubSub(ctx) }()
	return <-errCh
}

func (h *Host) runHeartbeat(ctx context.Context) error {
	interval := h.claimTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, s := range h.local.Enumerate() {
				val, err := json.Marshal(claim{
					SessionID:  s.SessionID(),
					Identity:   s.Identity(),
					InstanceID: h.instanceID,
				})
				if err != nil {
					continue
				}
				if err := h.client.Set(ctx, h.identityKey(s.Identity()), val, h.claimTTL).Err(); err != nil {
					h.log.Warn("claim refresh failed",
						slog.String("identity", s.Identity()),
						slog.String("error", err.Error()))
					continue
				}
				_ = h.client.Set(ctx, h.sessionKey(s.SessionID()), h.instanceID, h.claimTTL).Err()
			}
		}
	}
}

func (h *Host) runInboxPump(ctx context.Context) error {
	key := h.inboxKey(h.instanceID)
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Warn("inbox read failed", slog.String("error", err.Error()))
			continue
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				lastID = m.ID
				raw, ok := m.Values["f"].(string)
				if !ok {
					continue
				}
				var frame inboxFrame
				if err := json.Unmarshal([]byte(raw), &frame); err != nil {
					continue
				}
				if err := h.local.Send(ctx, frame.SessionID, frame.Data); err != nil {
					h.log.Debug("inbox delivery failed",
						slog.String("session_id", frame.SessionID),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (h *Host) runPubSub(ctx context.Context) error {
	ps := h.client.Subscribe(ctx, h.broadcastChannel(), h.replyChannel())
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			var f fanout
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				continue
			}
			if f.Origin == h.instanceID {
				// Already handled locally before publishing.
				continue
			}
			switch msg.Channel {
			case h.broadcastChannel():
				// The excluded sender lives on the origin instance, so a
				// plain local fan-out is correct here.
				_ = h.local.Broadcast(ctx, f.Except, f.Data)
			case h.replyChannel():
				if h.onReply != nil {
					h.onReply(f.CorrelationID, f.Data)
				}
			}
		}
	}
}

// Compile-time interface check
var _ sessions.Gateway = (*Host)(nil)
