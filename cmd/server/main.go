package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/thomasender/dsc-engine/internal/api"
	"github.com/thomasender/dsc-engine/internal/engine"
	"github.com/thomasender/dsc-engine/internal/fixedpoint"
	"github.com/thomasender/dsc-engine/internal/metrics"
	"github.com/thomasender/dsc-engine/internal/oracle"
	"github.com/thomasender/dsc-engine/internal/store"
	"github.com/thomasender/dsc-engine/internal/token"
)

// engineAccount is the token account the engine holds pulled collateral and
// to-be-burned DSC under.
const engineAccount = "dsc-engine-reserve"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (events will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collateral assets and their feeds ---
	// Development wiring: two collateral banks with static 8-decimal feeds.
	// Production deployments replace the banks and feeds with real token and
	// oracle adapters.
	wethFeed := oracle.NewStaticFeed(feedPrice("WETH_USD_PRICE", 2000), 8)
	wbtcFeed := oracle.NewStaticFeed(feedPrice("WBTC_USD_PRICE", 30000), 8)
	weth := token.NewBank("WETH", engineAccount)
	wbtc := token.NewBank("WBTC", engineAccount)
	dsc := token.NewBank("DSC", engineAccount)

	eng, err := engine.New(engineAccount,
		[]string{"WETH", "WBTC"},
		[]oracle.PriceFeed{wethFeed, wbtcFeed},
		[]token.Collateral{weth, wbtc},
		dsc,
	)
	if err != nil {
		slog.Error("engine construction failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(eng, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dsc-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("dsc-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down dsc-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("dsc-engine stopped")
}

// feedPrice reads a whole-dollar price from the environment and scales it to
// an 8-decimal feed quote.
func feedPrice(envKey string, defaultUsd int64) *big.Int {
	usd := defaultUsd
	if raw := os.Getenv(envKey); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			usd = v
		}
	}
	return new(big.Int).Mul(big.NewInt(usd), fixedpoint.Pow10(8))
}
