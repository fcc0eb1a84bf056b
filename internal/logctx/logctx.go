// Package logctx enriches slog records with session and relay attributes
// carried on the context, so every log line emitted during a connection or
// an in-flight relay is correlatable without threading loggers around.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("identity", sd.Identity),
			slog.String("remote_addr", sd.RemoteAddr),
		))
	}

	if rd, ok := ctx.Value(relayDataKey{}).(*RelayData); ok {
		r.AddAttrs(slog.Group("relay",
			slog.String("correlation_id", rd.CorrelationID),
			slog.String("target", rd.Target),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID  string
	Identity   string
	RemoteAddr string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type relayDataKey struct{}

type RelayData struct {
	CorrelationID string
	Target        string
}

func WithRelayData(ctx context.Context, data *RelayData) context.Context {
	return context.WithValue(ctx, relayDataKey{}, data)
}
