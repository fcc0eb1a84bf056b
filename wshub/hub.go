// Package wshub is the WebSocket transport for the relay server. It accepts
// connections, authenticates them before any relay operation is reachable,
// registers them with the session host, and routes frames between clients
// and the relay coordinator.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/relaywire/auth"
	"github.com/relaywire/relaywire/internal/logctx"
	"github.com/relaywire/relaywire/relay"
	"github.com/relaywire/relaywire/sessions"
	"github.com/relaywire/relaywire/sessions/memoryhost"
	"github.com/relaywire/relaywire/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	maxFrameBytes           = 1 << 20
)

// Registrar is the session host surface the hub needs: gateway delivery plus
// attach/detach of live connections.
type Registrar interface {
	sessions.Gateway
	Attach(identity string, sink memoryhost.Sink) (sessions.Session, error)
	Detach(sessionID string)
}

// ReplyRelay forwards a reply whose pending record lives on another server
// instance. Implementations deliver best-effort; a reply nobody is waiting
// for anywhere is dropped.
type ReplyRelay interface {
	ForwardReply(ctx context.Context, correlationID string, payload []byte) error
}

// Announcer publishes session presence beyond this instance, e.g. identity
// claims in Redis. Announce failing with sessions.ErrIdentityInUse rejects
// the handshake.
type Announcer interface {
	Announce(ctx context.Context, sess sessions.Session) error
	Retract(ctx context.Context, sess sessions.Session)
}

// Option configures the Hub.
type Option func(*Hub)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithGateway overrides the gateway used for broadcast fan-out, e.g. a
// redishost wrapping the local registrar. Defaults to the registrar itself.
func WithGateway(gw sessions.Gateway) Option {
	return func(h *Hub) { h.gw = gw }
}

// WithReplyRelay enables cross-instance reply forwarding.
func WithReplyRelay(rr ReplyRelay) Option {
	return func(h *Hub) { h.replyRelay = rr }
}

// WithAnnouncer publishes session presence cluster-wide on connect and
// retracts it on disconnect.
func WithAnnouncer(a Announcer) Option {
	return func(h *Hub) { h.announcer = a }
}

// WithHandshakeTimeout bounds how long a connection may sit unauthenticated.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Hub) { h.handshakeTimeout = d }
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// any origin; authentication is the admission boundary, not the Origin
// header.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// Hub implements http.Handler, upgrading requests to websocket sessions.
type Hub struct {
	coord *relay.Coordinator
	host  Registrar
	gw    sessions.Gateway
	authn auth.Authenticator

	log              *slog.Logger
	upgrader         websocket.Upgrader
	replyRelay       ReplyRelay
	announcer        Announcer
	handshakeTimeout time.Duration
}

var _ http.Handler = (*Hub)(nil)

// New constructs a Hub over an already-wired coordinator and session host.
func New(coord *relay.Coordinator, host Registrar, authn auth.Authenticator, opts ...Option) *Hub {
	h := &Hub{
		coord:            coord,
		host:             host,
		authn:            authn,
		handshakeTimeout: defaultHandshakeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}
	if h.gw == nil {
		h.gw = host
	}
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade rejected", slog.String("error", err.Error()))
		return
	}
	h.serve(ws, r.RemoteAddr)
}

// serve owns the connection from handshake to disconnect.
func (h *Hub) serve(ws *websocket.Conn, remoteAddr string) {
	defer ws.Close()
	ws.SetReadLimit(maxFrameBytes)

	c, err := h.handshake(ws)
	if err != nil {
		_ = writeClosing(ws, err)
		h.log.Info("handshake rejected",
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer func() {
		h.host.Detach(c.sess.SessionID())
		if h.announcer != nil {
			h.announcer.Retract(context.Background(), c.sess)
		}
	}()

	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:  c.sess.SessionID(),
		Identity:   c.sess.Identity(),
		RemoteAddr: remoteAddr,
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.log.InfoContext(ctx, "session connected")
	defer h.log.InfoContext(ctx, "session disconnected")

	if err := c.writeJSON(&wire.Welcome{
		Type:      wire.TypeWelcome,
		SessionID: c.sess.SessionID(),
		Identity:  c.sess.Identity(),
	}); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.DebugContext(ctx, "read failed", slog.String("error", err.Error()))
			}
			return
		}
		h.dispatch(ctx, c, data)
	}
}

// handshake reads the hello frame and authenticates it. The connection may
// not touch any other surface until this succeeds.
func (h *Hub) handshake(ws *websocket.Conn) (*conn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.New("no hello frame received")
	}
	typ, err := wire.PeekType(data)
	if err != nil || typ != wire.TypeHello {
		return nil, errors.New("first frame must be hello")
	}
	var hello wire.Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, errors.New("malformed hello frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
	defer cancel()
	ui, err := h.authn.CheckAuthentication(ctx, auth.ExtractBearer(hello.Token))
	if err != nil {
		return nil, errors.New("unauthorized")
	}

	c := &conn{ws: ws}
	sess, err := h.host.Attach(ui.Identity(), c.sink)
	if err != nil {
		if errors.Is(err, sessions.ErrIdentityInUse) {
			return nil, errors.New("identity already connected")
		}
		return nil, err
	}
	c.sess = sess

	if h.announcer != nil {
		actx, acancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
		defer acancel()
		if err := h.announcer.Announce(actx, sess); err != nil {
			h.host.Detach(sess.SessionID())
			if errors.Is(err, sessions.ErrIdentityInUse) {
				return nil, errors.New("identity already connected")
			}
			return nil, err
		}
	}
	return c, nil
}

func (h *Hub) dispatch(ctx context.Context, c *conn, data []byte) {
	typ, err := wire.PeekType(data)
	if err != nil {
		_ = c.writeJSON(&wire.Error{Type: wire.TypeError, Message: "malformed frame"})
		return
	}

	switch typ {
	case wire.TypeRelayRequest:
		var req wire.RelayRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.writeJSON(&wire.Error{Type: wire.TypeError, Message: "malformed relay_request"})
			return
		}
		h.handleRelay(ctx, c, &req)

	case wire.TypeRelayReply:
		var rep wire.RelayReply
		if err := json.Unmarshal(data, &rep); err != nil || rep.CorrelationID == "" {
			_ = c.writeJSON(&wire.Error{Type: wire.TypeError, Message: "malformed relay_reply"})
			return
		}
		if h.coord.HandleReply(rep.CorrelationID, rep.Payload) {
			return
		}
		if h.replyRelay != nil {
			rctx := logctx.WithRelayData(ctx, &logctx.RelayData{CorrelationID: rep.CorrelationID})
			if err := h.replyRelay.ForwardReply(rctx, rep.CorrelationID, rep.Payload); err != nil {
				h.log.WarnContext(rctx, "cross-instance reply forward failed",
					slog.String("error", err.Error()))
			}
		}

	case wire.TypeBroadcast:
		var bc wire.Broadcast
		if err := json.Unmarshal(data, &bc); err != nil {
			_ = c.writeJSON(&wire.Error{Type: wire.TypeError, Message: "malformed broadcast"})
			return
		}
		bc.Type = wire.TypeBroadcast
		bc.From = c.sess.Identity()
		bc.Timestamp = time.Now().UnixMilli()
		out, err := json.Marshal(&bc)
		if err != nil {
			return
		}
		_ = h.gw.Broadcast(ctx, c.sess.SessionID(), out)

	case wire.TypePing:
		_ = c.writeJSON(&wire.Pong{Type: wire.TypePong, Timestamp: time.Now().UnixMilli()})

	default:
		_ = c.writeJSON(&wire.Error{Type: wire.TypeError, Message: "unknown frame type: " + typ})
	}
}

// handleRelay submits the request and arranges for exactly one ack to reach
// the caller. The outcome wait runs on its own goroutine so the read loop
// keeps multiplexing further frames while this relay is in flight.
func (h *Hub) handleRelay(ctx context.Context, c *conn, req *wire.RelayRequest) {
	ch, err := h.coord.Submit(ctx, c.sess, req.Target, req.Payload)
	if err != nil {
		_ = c.writeJSON(&wire.RelayAck{
			Type:  wire.TypeRelayAck,
			Error: ackError(err),
		})
		return
	}

	go func() {
		var out relay.Outcome
		select {
		case out = <-ch:
		case <-ctx.Done():
			// Requester disconnected mid-flight; the eventual outcome
			// resolves into the void.
			return
		}
		ack := wire.RelayAck{Type: wire.TypeRelayAck, RequestID: out.CorrelationID}
		if out.Err != nil {
			ack.Error = ackError(out.Err)
		} else {
			ack.Success = true
			ack.Reply = out.Reply
		}
		rctx := logctx.WithRelayData(ctx, &logctx.RelayData{
			CorrelationID: out.CorrelationID,
			Target:        req.Target,
		})
		if err := c.writeJSON(&ack); err != nil {
			h.log.DebugContext(rctx, "relay ack undeliverable, requester gone",
				slog.String("error", err.Error()))
		}
	}()
}

// ackError maps coordinator outcomes to the caller-visible error strings.
// Internal failure detail stays in logs.
func ackError(err error) string {
	var unavailable *relay.PeerUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return unavailable.Error()
	case errors.Is(err, relay.ErrTimeout):
		return "Relay request timed out"
	case errors.Is(err, relay.ErrInvalidRequest):
		return "Relay payload is required"
	case errors.Is(err, relay.ErrClosed):
		return "Server is shutting down"
	default:
		return "Relay failed"
	}
}

func writeClosing(ws *websocket.Conn, cause error) error {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(&wire.Error{Type: wire.TypeError, Message: cause.Error()})
	return ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, cause.Error()), deadline)
}
