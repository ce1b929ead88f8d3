// Package app wires the tandem server runtime: config, logging, storage,
// fan-out, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tandem/cmd/internal/auth"
	"tandem/cmd/internal/broadcast"
	"tandem/cmd/internal/events"
	"tandem/cmd/internal/httpapi"
	"tandem/cmd/internal/invite"
	"tandem/cmd/internal/mail"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/notify"
	"tandem/cmd/internal/presence"
	"tandem/cmd/internal/realtime"
	"tandem/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the tandem server runtime. It owns the storage and Redis
// connections and every service built on top of them.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics

	pool  *pgxpool.Pool
	store store.Store

	redis *redis.Client
	relay *broadcast.RedisRelay

	api *httpapi.Handler
	ws  *realtime.WSGateway
}

// New constructs a fully wired App. With a database configured the embedded
// schema is applied before any service starts.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		return nil, errors.New("app: nil logger")
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	hasher, err := NewTokenHasher(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenManager(cfg.Auth)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	hub := broadcast.NewHub(log, a.metrics)
	var pub broadcast.Publisher = hub
	if cfg.RedisURL != "" {
		client, err := broadcast.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		pub = broadcast.NewRedisPublisher(client, cfg.RedisChannelPrefix)
		a.relay = broadcast.NewRedisRelay(client, cfg.RedisChannelPrefix, hub, log)
		log.Info("broadcast.redis.enabled", "prefix", cfg.RedisChannelPrefix)
	}
	n := notify.New(pub, log)

	tracker := presence.NewTracker(log, n,
		presence.WithEditingIdle(cfg.PresenceEditingIdle),
		presence.WithMetrics(a.metrics),
	)

	var mailer mail.Sender = mail.LogSender{Log: log}
	if cfg.SMTP.Configured() {
		smtpSender, err := mail.NewSMTPSender(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		mailer = smtpSender
	} else {
		log.Info("mail.smtp.disabled.log_sender")
	}

	evSvc, err := events.NewService(a.store,
		events.WithNotifier(n),
		events.WithSessions(broadcast.NewEvictor(hub, pub, log)),
		events.WithPresence(tracker),
		events.WithMetrics(a.metrics),
		events.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	invSvc, err := invite.NewService(a.store,
		invite.WithNotifier(n),
		invite.WithMailer(mailer),
		invite.WithHasher(hasher),
		invite.WithTTL(cfg.InvitationTTL),
		invite.WithAcceptBaseURL(publicBaseURL(cfg)),
		invite.WithMetrics(a.metrics),
		invite.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	a.api, err = httpapi.NewHandler(log, httpapi.Config{MaxBodyBytes: cfg.MaxBodyBytes}, tokens, evSvc, invSvc)
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, cfg.WS, realtime.Deps{
		Auth:     tokens,
		Events:   evSvc,
		Presence: tracker,
		Hub:      hub,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openStore selects Postgres when a database URL is configured and the
// in-memory store otherwise.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = store.NewMemoryStore()
		return nil
	}

	pool, err := openDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	a.pool = pool

	if err := store.Migrate(ctx, pool, a.cfg.DBSchema); err != nil {
		return err
	}
	st, err := store.NewPostgresStore(pool, store.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

// Run serves HTTP (and the Redis relay when enabled) until ctx is cancelled
// or a component fails, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}

	g.Go(func() error {
		base := publicBaseURL(a.cfg)
		a.log.Info("server.start",
			"addr", a.cfg.HTTPAddr,
			"db_enabled", a.pool != nil,
			"redis_enabled", a.redis != nil,
			"api", base+"/v1",
			"ws", wsBaseURL(base)+"/ws",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
