// Package app is the orchestrator that ties all gateway components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/api"
	"github.com/relaygate/relaygate/internal/authz"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/room"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Minute
)

// App is the gateway process.
type App struct {
	cfg      *config.Config
	store    store.Store
	redis    redis.UniversalClient
	memory   *ratelimit.MemoryBackplane
	adapter  room.Adapter
	sessions *session.Resolver
	gateway  *gateway.Runtime
	api      *api.Server
	logger   *slog.Logger

	closeOnce sync.Once
}

// New builds the gateway from configuration. Any collaborator that cannot be
// reached is an error.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	a := &App{cfg: cfg, logger: logger.With("component", "app")}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.store = db
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping storage: %w", err)
	}
	tenants := store.NewCached(db, cfg.Storage.TenantCacheMax, cfg.Storage.TenantCacheTTL.Duration)

	var (
		backplane ratelimit.Backplane
		sessions  session.Store
	)
	switch cfg.Backplane.Driver {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Backplane.RedisAddr,
			Password: cfg.Backplane.RedisPassword,
			DB:       cfg.Backplane.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		nodeID := cfg.Backplane.NodeID
		if nodeID == "" {
			nodeID = uuid.New().String()
		}
		var bus room.Bus
		if cfg.Backplane.Bus == "nats" {
			bus, err = room.NewNATSBus(cfg.Backplane.NATSURL, "relaygate-"+nodeID, cfg.Backplane.KeyPrefix, logger)
			if err != nil {
				return nil, fmt.Errorf("connect nats: %w", err)
			}
		}
		a.adapter = room.NewRedis(a.redis, room.RedisOptions{
			KeyPrefix: cfg.Backplane.KeyPrefix,
			NodeID:    nodeID,
			Bus:       bus,
			Logger:    logger,
		})
		backplane = ratelimit.NewRedisBackplane(a.redis, cfg.Backplane.KeyPrefix)
		sessions = session.NewRedisStore(a.redis)
		a.logger.Info("using redis backplane", "addr", cfg.Backplane.RedisAddr, "bus", cfg.Backplane.Bus, "node_id", nodeID)
	default:
		a.adapter = room.NewLocal()
		a.memory = ratelimit.NewMemoryBackplane()
		backplane = a.memory
		sessions = session.NewMemoryStore()
		a.logger.Warn("using in-memory backplane, state is not shared across processes")
	}

	a.sessions, err = session.NewResolver(cfg.Auth.JWTSecret, sessions)
	if err != nil {
		return nil, fmt.Errorf("init sessions: %w", err)
	}
	if cfg.Auth.ExternalIssuer != "" {
		ext, err := session.NewExternal(cfg.Auth.ExternalIssuer, cfg.Auth.ExternalJWKSURL)
		if err != nil {
			return nil, fmt.Errorf("init external identity provider: %w", err)
		}
		a.sessions.WithExternal(ext)
		a.logger.Info("accepting external session tokens", "issuer", cfg.Auth.ExternalIssuer)
	}
	limits, err := ratelimit.NewManager(backplane, cfg.RateLimit.LimiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init rate limits: %w", err)
	}

	pipeline := authz.New(authz.Options{
		PrivilegedSecret: cfg.Auth.PrivilegedSecret,
		Tenants:          tenants,
		Sessions:         a.sessions,
		Limits:           limits,
		Logger:           logger,
	})

	m := metrics.New()
	a.gateway = gateway.New(gateway.Options{
		Adapter:          a.adapter,
		Authorizer:       pipeline,
		Metrics:          m,
		Logger:           logger,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
		HandshakeTimeout: cfg.Server.HandshakeTimeout.Duration,
		PingInterval:     cfg.Server.PingInterval.Duration,
		PingTimeout:      cfg.Server.PingTimeout.Duration,
		SendQueueSize:    cfg.Server.SendQueueSize,
	})

	a.api = api.NewServer(api.Options{
		WebSocket: a.gateway.HandleWS,
		Metrics:   m.Handler(),
		Ready: map[string]api.Pinger{
			"store":     db,
			"backplane": a.adapter,
		},
		Logger: logger,
	})

	if cfg.Auth.PrivilegedSecret == "" {
		a.logger.Warn("no privileged secret configured, privileged connections are disabled")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			a.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	ok = true
	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.api }

// Sessions issues and resolves session access tokens.
func (a *App) Sessions() *session.Resolver { return a.sessions }

// Run serves until ctx is canceled or a component fails, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("gateway listening", "addr", a.cfg.Server.Addr)
		var err error
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.adapter.Run(gctx)
	})

	if a.memory != nil {
		a.memory.StartCleanup(gctx, sweepInterval)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.gateway.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("connections did not drain in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}
		return nil
	})

	err := g.Wait()
	a.logger.Info("shutdown complete")
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Close releases the store, Redis client and room adapter.
func (a *App) Close() {
	a.closeOnce.Do(a.release)
}

func (a *App) release() {
	if a.adapter != nil {
		if err := a.adapter.Close(); err != nil {
			a.logger.Warn("close room adapter", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
