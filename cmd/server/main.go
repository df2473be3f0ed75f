package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zave/portfolio-engine/internal/config"
	"github.com/zave/portfolio-engine/internal/logger"
	"github.com/zave/portfolio-engine/internal/metrics"
	"github.com/zave/portfolio-engine/internal/portfolio"
	"github.com/zave/portfolio-engine/internal/pricecache"
	"github.com/zave/portfolio-engine/internal/pricing"
	"github.com/zave/portfolio-engine/internal/quote"
	"github.com/zave/portfolio-engine/internal/ratelimit"
	"github.com/zave/portfolio-engine/internal/scheduler"
	"github.com/zave/portfolio-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Pricing ---
	cache := pricecache.New(st, log)
	defer cache.Close()

	limiter := ratelimit.NewLimiter(cfg.RateLimitWindow)
	client := quote.NewClient(quote.Config{
		BaseURL: cfg.QuoteBaseURL,
		APIKey:  cfg.QuoteAPIKey,
		Timeout: cfg.QuoteTimeout,
	}, log)
	prices := pricing.NewService(client, cache, limiter, pricing.Config{
		Currency:      cfg.QuoteCurrency,
		MaxAttempts:   cfg.QuoteMaxAttempts,
		CurrentTTL:    cfg.CurrentPriceTTL,
		HistoricalTTL: cfg.HistoricalPriceTTL,
		SearchTTL:     cfg.SearchTTL,
		StaleTTL:      cfg.StaleTTL,
		BatchSize:     cfg.BatchSize,
		BatchPause:    cfg.BatchPause,
	}, log)

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := portfolio.NewWSHub(log)
	go wsHub.Run(hubCtx)

	// --- Portfolio service (runs migration) ---
	svc, err := portfolio.New(ctx, portfolio.Deps{
		Store:   st,
		Pricing: prices,
		Hub:     wsHub,
		Log:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize portfolio")
	}

	// --- Background jobs ---
	sched := scheduler.New(log)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.CacheCleanupSchedule, pricecache.CleanupJob{Cache: cache, Timeout: time.Minute}},
		{cfg.CacheCleanupSchedule, scheduler.FuncJob{JobName: "rate_limit_prune", Fn: func() error {
			limiter.Prune()
			return nil
		}}},
		{cfg.PriceRefreshSchedule, portfolio.RefreshJob{Service: svc, Timeout: 5 * time.Minute}},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("failed to schedule job")
		}
	}
	sched.Start()
	defer sched.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers := portfolio.NewHandlers(svc)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for price and portfolio updates.
		r.Get("/ws", wsHub.HandleWS)
		handlers.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("portfolio-engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info().Msg("shutting down portfolio-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("portfolio-engine stopped")
}

// openStore selects the persistence backend: PostgreSQL (optionally behind
// a Redis read-through cache), Redis alone, or a local SQLite file.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, []func(), error) {
	var cleanup []func()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, cleanup, err
		}
		log.Info().Msg("connected to PostgreSQL")

		if rdb != nil {
			log.Info().Dur("ttl", cfg.StoreCacheTTL).Msg("Redis cache enabled")
			return store.NewCachedStore(pg, rdb, cfg.StoreCacheTTL), cleanup, nil
		}
		return pg, cleanup, nil
	}

	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("redis ping: %w", err)
		}
		log.Info().Msg("using Redis store")
		return store.NewRedisStore(rdb, ""), cleanup, nil
	}

	sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath())
	if err != nil {
		return nil, cleanup, err
	}
	cleanup = append(cleanup, func() { sq.Close() })
	log.Info().Str("path", cfg.SQLitePath()).Msg("using SQLite store")
	return sq, cleanup, nil
}

// requestLogger logs one line per request with zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
