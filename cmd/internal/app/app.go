// Package app wires the chatter server runtime: config, logging, storage,
// the broker, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chatter/cmd/internal/api"
	"chatter/cmd/internal/auth"
	"chatter/cmd/internal/broker"
	"chatter/cmd/internal/chat"
	"chatter/cmd/internal/metrics"
	"chatter/cmd/internal/realtime"
)

const limiterIdle = 10 * time.Minute

// App is the chatter server runtime. It owns the store, the broker and the
// HTTP server built on top of them.
type App struct {
	cfg Config
	log *slog.Logger

	store   storeHandle
	bus     *broker.Broker[chat.Message]
	limiter *api.RateLimiter
	handler http.Handler
}

// New constructs a fully wired App. The caller must Run it (which releases
// resources) or Close it.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bus := broker.New[chat.Message](
		broker.WithQueueSize(cfg.BrokerQueue),
		broker.WithLogger(log),
		broker.WithMetrics(collector),
	)

	a, err := build(cfg, log, st, bus, collector, metrics.Handler(reg))
	if err != nil {
		bus.Close()
		_ = st.close()
		return nil, err
	}
	return a, nil
}

func build(cfg Config, log *slog.Logger, st storeHandle, bus *broker.Broker[chat.Message], collector *metrics.Collector, metricsHandler http.Handler) (*App, error) {
	svc, err := chat.NewService(st.store, bus, chat.WithLogger(log))
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithTTL(cfg.JWTTTL),
	)
	if err != nil {
		return nil, err
	}

	limiter := api.NewRateLimiter(log, rate.Limit(cfg.APIRate), cfg.APIBurst, limiterIdle)

	apiHandler, err := api.NewHandler(log, svc, verifier, api.Config{
		MaxBodyBytes: int64(cfg.MaxBodyBytes),
		DevTokens:    cfg.DevTokens,
		CookieSecure: cfg.CookieSecure,
	}, api.WithRateLimiter(limiter))
	if err != nil {
		return nil, err
	}

	gw, err := realtime.NewGateway(log, svc, verifier, realtime.Config{
		OriginRequired:    cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		DevInsecure:       cfg.WSDevInsecure,
		SendQueueSize:     cfg.WSSendQueue,
		WriteTimeout:      cfg.WSWriteTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	}, realtime.WithMetrics(collector))
	if err != nil {
		return nil, err
	}

	if cfg.DevTokens {
		log.Warn("auth.dev_tokens.enabled")
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		bus:     bus,
		limiter: limiter,
		handler: newRouter(routes{
			log:     log,
			cfg:     cfg,
			api:     apiHandler,
			ws:      gw,
			metrics: metricsHandler,
			obs:     collector,
			ready:   st.ready(cfg.RequireStoreOK),
		}),
	}, nil
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx is done or the server fails, then shuts down
// gracefully and releases the store.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	// Hijacked WebSocket connections outlive Shutdown; cancelling the base
	// context ends their sessions.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", ln.Addr().String(), "store", a.cfg.Store)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.limiter.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		cancelBase()
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the broker and the store. It is safe to call more than once.
func (a *App) Close() {
	a.bus.Close()
	if err := a.store.close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// storeHandle bundles a chat store with the resources behind it.
type storeHandle struct {
	store chat.Store
	pool  *pgxpool.Pool
	close func() error
}

// ready reports whether the backing store can serve requests.
func (s storeHandle) ready(require bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !require || s.pool == nil {
			return nil
		}
		return PingDB(ctx, s.pool, 2*time.Second)
	}
}

// openStore selects the chat store backend from cfg.Store.
func openStore(ctx context.Context, cfg Config, log *slog.Logger) (storeHandle, error) {
	switch cfg.Store {
	case StorePostgres:
		if cfg.DBAutoMigrate {
			if err := Migrate(cfg.DatabaseURL, log); err != nil {
				return storeHandle{}, err
			}
		}

		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return storeHandle{}, fmt.Errorf("db: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		st, err := chat.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return storeHandle{}, err
		}
		log.Info("store.open", "driver", StorePostgres)
		return storeHandle{store: st, pool: pool, close: func() error {
			pool.Close()
			return nil
		}}, nil

	case StoreBadger:
		db, err := OpenBadger(cfg.BadgerDir, log)
		if err != nil {
			return storeHandle{}, err
		}
		st, err := chat.NewBadgerStore(db)
		if err != nil {
			_ = db.Close()
			return storeHandle{}, err
		}
		log.Info("store.open", "driver", StoreBadger, "dir", cfg.BadgerDir)
		return storeHandle{store: st, close: sync.OnceValue(db.Close)}, nil

	default:
		log.Info("store.open", "driver", StoreMemory)
		return storeHandle{store: chat.NewMemoryStore(), close: func() error { return nil }}, nil
	}
}
