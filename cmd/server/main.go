package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/folioworks/snapshot-engine/internal/api"
	"github.com/folioworks/snapshot-engine/internal/metrics"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/rebuild"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

func main() {
	// Local development config; no-op when the file is absent.
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Trading-day bucketing timezone.
	loc := time.UTC
	if tz := os.Getenv("BUCKET_TZ"); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			slog.Error("invalid BUCKET_TZ", "tz", tz, "err", err)
			os.Exit(1)
		}
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
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Rebuild engine ---
	tracker := rebuild.NewTracker(st, loc)
	runner := rebuild.NewRunner(st, loc)
	bootstrap := rebuild.NewBootstrap(st, loc)

	limits := api.DefaultLimits()
	if v := envInt("REBUILD_DEFAULT_DAYS"); v > 0 {
		limits.DefaultMaxDays = v
	}
	if v := envInt("REBUILD_DEFAULT_BUDGET_MS"); v > 0 {
		limits.DefaultBudget = time.Duration(v) * time.Millisecond
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	runner.OnProgress = func(key scope.Key, state model.RebuildState, processedDays int) {
		wsHub.Broadcast(api.WSMessage{
			Type:           "rebuild_progress",
			RowKey:         key.RowKey(),
			DirtyFrom:      string(state.DirtyFrom),
			ProcessedUntil: string(state.ProcessedUntil),
			ProcessedDays:  processedDays,
		})
	}

	// --- HTTP service ---
	svc := api.NewService(st, tracker, runner, bootstrap, limits, wsHub)

	// --- Periodic dirty sweep ---
	// Bounds staleness when a best-effort dirty mark was lost or a price
	// update changed valuations without any client polling.
	sweeper := rebuild.NewSweeper(st, runner, 50, 30, 2*time.Second)
	schedule := os.Getenv("SWEEP_SCHEDULE")
	if schedule == "" {
		schedule = "@every 5m"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		sweeper.Sweep(ctx)
	}); err != nil {
		slog.Error("invalid SWEEP_SCHEDULE", "schedule", schedule, "err", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"snapshot-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for rebuild progress updates.
		r.Get("/ws", wsHub.HandleWS)

		// Transaction ledger (drives dirty-marking).
		r.Get("/transactions", svc.ListTransactions)
		r.Post("/transactions", svc.CreateTransaction)
		r.Put("/transactions/{txnID}", svc.UpdateTransaction)
		r.Delete("/transactions/{txnID}", svc.DeleteTransaction)

		// Daily close prices (external valuation input).
		r.Post("/prices", svc.UpsertPrice)

		// Snapshot engine.
		r.Post("/snapshots/bootstrap", svc.Bootstrap)
		r.Get("/snapshots", svc.ListSnapshots)
		r.Get("/rebuild/status", svc.RebuildStatus)
		r.Post("/rebuild", svc.RunRebuild)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("snapshot-engine listening", "port", port)
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

	slog.Info("shutting down snapshot-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("snapshot-engine stopped")
}

func envInt(name string) int {
	v, _ := strconv.Atoi(os.Getenv(name))
	return v
}
