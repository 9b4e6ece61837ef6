package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lzegg/papertrade/internal/config"
	"github.com/lzegg/papertrade/internal/ledger"
	"github.com/lzegg/papertrade/internal/limits"
	"github.com/lzegg/papertrade/internal/metrics"
	"github.com/lzegg/papertrade/internal/price"
	"github.com/lzegg/papertrade/internal/session"
	"github.com/lzegg/papertrade/internal/store"
	"github.com/lzegg/papertrade/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Sessions ---
	var sessions session.Store
	if rdb != nil {
		sessions = session.NewRedisStore(rdb, cfg.SessionTTL)
	} else {
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	// --- Prices ---
	prices, err := buildPriceSource(cfg)
	if err != nil {
		slog.Error("invalid price configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Ledger ---
	ledgerSvc := ledger.NewService(st, prices, ledger.Options{
		DefaultSeed:         &cfg.DefaultSeedCash,
		RequireRegistration: cfg.RequireRegistration,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		CASAttempts:         cfg.CASAttempts,
		Limiter:             limits.NewPositionLimiter(cfg.MaxPerInstrument, cfg.MaxPerMarket),
		Notifier:            wsHub,
	})
	api := trade.NewService(ledgerSvc, sessions)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"service":    "papertrade",
			"ws_clients": wsHub.ClientCount(),
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of committed trades; upgraded connections must not
		// be cut by the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			api.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("papertrade listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("papertrade stopped")
}

// buildPriceSource wires the live Yahoo feed behind a TTL cache, with the
// static table as fallback when configured.
func buildPriceSource(cfg *config.Config) (price.Source, error) {
	var chain price.Chain
	if cfg.LivePrices() {
		yahoo := price.NewYahooSource(cfg.PriceBaseURL, cfg.CollaboratorTimeout, cfg.PriceRatePerSec)
		chain = append(chain, price.NewCachedSource(yahoo, cfg.PriceCacheTTL))
		slog.Info("live prices enabled", "base_url", cfg.PriceBaseURL, "cache_ttl", cfg.PriceCacheTTL.String())
	}
	if cfg.StaticPrices != "" {
		static, err := price.ParseStatic(cfg.StaticPrices)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
		slog.Info("static prices enabled")
	}
	return chain, nil
}
