// Package relay implements the correlated message-relay coordinator: it
// forwards a request from one session to a named peer and routes the peer's
// eventual reply back to the original requester, resolving each request
// exactly once from whichever completes first: the reply, the per-request
// timeout, or the absent-peer fast path.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/relaywire/relaywire/sessions"
	"github.com/relaywire/relaywire/wire"
)

var (
	// ErrInvalidRequest indicates a malformed submission (empty payload).
	// Rejected before any state is created.
	ErrInvalidRequest = errors.New("relay payload is required")
	// ErrPeerUnavailable indicates the target identity has no active session.
	ErrPeerUnavailable = errors.New("user is not connected")
	// ErrTimeout indicates the peer did not reply within the request window.
	ErrTimeout = errors.New("relay request timed out")
	// ErrDuplicateID indicates the ID generator produced a colliding
	// correlation ID. Operation-fatal; indicates a generator defect.
	ErrDuplicateID = errors.New("duplicate correlation id")
	// ErrClosed indicates the coordinator has been shut down.
	ErrClosed = errors.New("relay coordinator closed")
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultExpiry         = 60 * time.Second
)

// Outcome is the single result of a relay submission. Err is nil on success,
// in which case Reply holds the peer's payload. CorrelationID is set whenever
// an ID was reserved, including timeout outcomes.
type Outcome struct {
	CorrelationID string
	Reply         json.RawMessage
	Err           error
}

// Option configures a Coordinator.
type Option func(*config)

type config struct {
	logger         *slog.Logger
	clock          clock.Clock
	requestTimeout time.Duration
	sweepInterval  time.Duration
	expiry         time.Duration
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClock substitutes the wall clock, letting tests drive timers.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithRequestTimeout sets the per-request reply window.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.requestTimeout = d }
}

// WithSweepInterval sets how often the defensive sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithExpiry sets the staleness bound for swept records. It must remain
// above the request timeout: the sweeper is a backstop, never the primary
// timeout mechanism.
func WithExpiry(d time.Duration) Option {
	return func(c *config) { c.expiry = d }
}

// Coordinator orchestrates the relay lifecycle. It owns the correlation
// table and is the only component that mutates in-flight records.
type Coordinator struct {
	gw  sessions.Gateway
	log *slog.Logger
	clk clock.Clock

	requestTimeout time.Duration
	sweepInterval  time.Duration
	expiry         time.Duration

	pending *table

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	sweepWG   sync.WaitGroup
}

// New constructs a Coordinator over the given gateway and starts its
// background sweeper. Call Close to release it.
func New(gw sessions.Gateway, opts ...Option) *Coordinator {
	cfg := config{
		requestTimeout: defaultRequestTimeout,
		sweepInterval:  defaultSweepInterval,
		expiry:         defaultExpiry,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.expiry < cfg.requestTimeout {
		// The safety margin may never undercut the primary timer.
		cfg.expiry = 2 * cfg.requestTimeout
	}

	c := &Coordinator{
		gw:             gw,
		log:            cfg.logger,
		clk:            cfg.clock,
		requestTimeout: cfg.requestTimeout,
		sweepInterval:  cfg.sweepInterval,
		expiry:         cfg.expiry,
		pending:        newTable(cfg.clock),
		done:           make(chan struct{}),
	}

	c.sweepWG.Add(1)
	go c.runSweeper()

	return c
}

// Submit validates and dispatches a relay request. It never blocks waiting
// for the peer: the returned channel delivers exactly one Outcome from
// whichever completion path fires first. Validation failures (and the
// practically unreachable duplicate-ID case) are returned synchronously with
// a nil channel; no record is left behind.
func (c *Coordinator) Submit(ctx context.Context, requester sessions.Session, target string, payload json.RawMessage) (<-chan Outcome, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if emptyPayload(payload) {
		return nil, ErrInvalidRequest
	}

	rec := &record{
		correlationID:      uuid.NewString(),
		requesterSessionID: requester.SessionID(),
		requesterIdentity:  requester.Identity(),
		payload:            payload,
		createdAt:          c.clk.Now(),
		done:               make(chan Outcome, 1),
	}
	if err := c.pending.insert(rec); err != nil {
		c.log.Error("correlation id collision",
			slog.String("correlation_id", rec.correlationID))
		return nil, err
	}

	target = canonicalIdentity(target)
	peer, ok := c.gw.Lookup(target)
	if !ok {
		c.resolveAbsent(rec, target)
		return rec.done, nil
	}

	fwd := wire.RelayForward{
		Type:          wire.TypeRelayForward,
		CorrelationID: rec.correlationID,
		From: wire.Origin{
			Identity:  rec.requesterIdentity,
			SessionID: rec.requesterSessionID,
		},
		Payload: payload,
	}
	data, err := json.Marshal(&fwd)
	if err != nil {
		// Payload is raw JSON, so this only fires on invalid raw bytes.
		if got, ok := c.pending.remove(rec.correlationID); ok {
			got.resolve(Outcome{CorrelationID: rec.correlationID, Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)})
		}
		return rec.done, nil
	}
	if err := c.gw.Send(ctx, peer.SessionID(), data); err != nil {
		// Delivery failure degrades to the nearest safe outcome.
		c.log.Warn("relay dispatch failed",
			slog.String("correlation_id", rec.correlationID),
			slog.String("target", target),
			slog.String("error", err.Error()))
		c.resolveAbsent(rec, target)
		return rec.done, nil
	}

	id := rec.correlationID
	// The timer is never cancelled; if the reply wins the race it simply
	// fires into a table miss and no-ops.
	c.clk.AfterFunc(c.requestTimeout, func() {
		got, ok := c.pending.remove(id)
		if !ok {
			// Reply already won the race.
			return
		}
		got.resolve(Outcome{CorrelationID: id, Err: ErrTimeout})
		c.log.Info("relay timed out",
			slog.String("correlation_id", id),
			slog.String("target", target))
	})

	return rec.done, nil
}

// Call is the blocking form of Submit. It waits for the outcome or for ctx;
// on ctx expiry the in-flight record is left to its own timer.
func (c *Coordinator) Call(ctx context.Context, requester sessions.Session, target string, payload json.RawMessage) (json.RawMessage, error) {
	ch, err := c.Submit(ctx, requester, target, payload)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return out.Reply, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleReply routes a peer's reply to the pending record, resolving it with
// success if this path wins the completion race. Returns false when no record
// exists, meaning the reply lost to the timeout (or carries a stray ID),
// logged as an anomaly and otherwise discarded.
func (c *Coordinator) HandleReply(correlationID string, payload json.RawMessage) bool {
	rec, ok := c.pending.remove(correlationID)
	if !ok {
		c.log.Info("late relay reply discarded",
			slog.String("correlation_id", correlationID))
		return false
	}
	rec.resolve(Outcome{CorrelationID: correlationID, Reply: payload})
	return true
}

// PendingCount reports the number of in-flight relays.
func (c *Coordinator) PendingCount() int {
	return c.pending.len()
}

// Close stops the sweeper and resolves every in-flight record with ErrClosed.
// Subsequent Submits fail fast.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.sweepWG.Wait()
		for _, rec := range c.pending.drain() {
			rec.resolve(Outcome{CorrelationID: rec.correlationID, Err: ErrClosed})
		}
	})
}

func (c *Coordinator) resolveAbsent(rec *record, target string) {
	got, ok := c.pending.remove(rec.correlationID)
	if !ok {
		return
	}
	got.resolve(Outcome{
		CorrelationID: rec.correlationID,
		Err:           &PeerUnavailableError{Target: target},
	})
}

// PeerUnavailableError carries the unresolvable target so transports can
// surface it to the caller. It matches ErrPeerUnavailable under errors.Is.
type PeerUnavailableError struct {
	Target string
}

func (e *PeerUnavailableError) Error() string {
	return e.Target + " " + ErrPeerUnavailable.Error()
}

func (e *PeerUnavailableError) Unwrap() error { return ErrPeerUnavailable }

// canonicalIdentity normalizes a logical name the way the registry and all
// caller-visible messages render it.
func canonicalIdentity(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func emptyPayload(p json.RawMessage) bool {
	switch string(p) {
	case "", "null":
		return true
	}
	return false
}
