// Command relaywired runs the relay server: a WebSocket hub that forwards
// correlated requests between authenticated sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relaywire/relaywire/auth"
	"github.com/relaywire/relaywire/internal/logctx"
	"github.com/relaywire/relaywire/relay"
	"github.com/relaywire/relaywire/sessions"
	"github.com/relaywire/relaywire/sessions/memoryhost"
	"github.com/relaywire/relaywire/sessions/redishost"
	"github.com/relaywire/relaywire/wshub"
)

type config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	// AuthMode selects the authenticator: "keyfile" or "jwt".
	AuthMode    string `env:"AUTH_MODE,default=keyfile"`
	KeyFilePath string `env:"AUTH_KEY_FILE,default=keys.json"`
	JWTIssuer   string `env:"AUTH_JWT_ISSUER"`
	JWTAudience string `env:"AUTH_JWT_AUDIENCE"`
	JWKSURI     string `env:"AUTH_JWKS_URI"`

	// RedisAddr enables multi-instance mode when set.
	RedisAddr string `env:"REDIS_ADDR"`

	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT,default=30s"`
	SweepInterval  time.Duration `env:"RELAY_SWEEP_INTERVAL,default=30s"`
	Expiry         time.Duration `env:"RELAY_EXPIRY,default=60s"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		slog.Error("config decode failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}),
	})

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authn, cleanup, err := buildAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	host := memoryhost.New(memoryhost.WithLogger(log))

	var (
		gw      sessions.Gateway = host
		hubOpts []wshub.Option
		redis   *redishost.Host
		coord   *relay.Coordinator
	)
	if cfg.RedisAddr != "" {
		redis, err = redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr}, host,
			redishost.WithLogger(log),
			// coord is assigned below, before Run starts consuming replies.
			redishost.WithReplyHandler(func(correlationID string, payload []byte) bool {
				return coord.HandleReply(correlationID, payload)
			}),
		)
		if err != nil {
			return err
		}
		defer redis.Close()
		gw = redis
		hubOpts = append(hubOpts, wshub.WithGateway(redis), wshub.WithReplyRelay(redis), wshub.WithAnnouncer(redisAnnouncer{redis}))
		log.Info("multi-instance mode enabled", slog.String("instance_id", redis.InstanceID()))
	}

	coord = relay.New(gw,
		relay.WithLogger(log),
		relay.WithRequestTimeout(cfg.RequestTimeout),
		relay.WithSweepInterval(cfg.SweepInterval),
		relay.WithExpiry(cfg.Expiry),
	)
	defer coord.Close()

	if redis != nil {
		go func() {
			if err := redis.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis host stopped", slog.String("error", err.Error()))
			}
		}()
	}

	hub := wshub.New(coord, host, authn, append(hubOpts, wshub.WithLogger(log))...)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildAuthenticator(ctx context.Context, cfg config, log *slog.Logger) (auth.Authenticator, func(), error) {
	switch strings.ToLower(cfg.AuthMode) {
	case "keyfile":
		k, err := auth.NewKeyFile(cfg.KeyFilePath, log)
		if err != nil {
			return nil, nil, err
		}
		return k, func() { _ = k.Close() }, nil
	case "jwt":
		jc := auth.DefaultJWTConfig()
		jc.Issuer = cfg.JWTIssuer
		jc.ExpectedAudiences = []string{cfg.JWTAudience}
		a, err := auth.NewJWT(ctx, jc, cfg.JWKSURI)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	default:
		return nil, nil, errors.New("unknown AUTH_MODE: " + cfg.AuthMode)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redisAnnouncer adapts the redis host to the hub's Announcer surface.
type redisAnnouncer struct {
	h *redishost.Host
}

func (a redisAnnouncer) Announce(ctx context.Context, sess sessions.Session) error {
	return a.h.Announce(ctx, sess)
}

func (a redisAnnouncer) Retract(ctx context.Context, sess sessions.Session) {
	a.h.Retract(ctx, sess)
}
