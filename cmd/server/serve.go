package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashureev/studypartner/internal/api"
	"github.com/ashureev/studypartner/internal/config"
	"github.com/ashureev/studypartner/internal/essay"
	"github.com/ashureev/studypartner/internal/healthsrv"
	"github.com/ashureev/studypartner/internal/identity"
	"github.com/ashureev/studypartner/internal/library"
	"github.com/ashureev/studypartner/internal/llm"
	"github.com/ashureev/studypartner/internal/metrics"
	"github.com/ashureev/studypartner/internal/middleware"
	"github.com/ashureev/studypartner/internal/progression"
	"github.com/ashureev/studypartner/internal/realtime"
	"github.com/ashureev/studypartner/internal/session"
	"github.com/ashureev/studypartner/internal/store"
	"github.com/ashureev/studypartner/internal/transcript"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	rec := metrics.New()

	provider, err := llm.NewProvider(ctx, cfg.LLM, rec)
	if err != nil {
		return fmt.Errorf("initialize completion provider: %w", err)
	}
	completer := llm.NewCompleter(provider)
	slog.Info("Completion provider ready", "model", completer.ModelID())

	invalidator, err := newInvalidator(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := invalidator.Close(); closeErr != nil {
			slog.Error("Failed to close invalidator", "error", closeErr)
		}
	}()

	sessions := session.New(repo,
		session.WithInvalidator(invalidator),
		session.WithMetrics(rec),
		session.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err := sessions.ListenForInvalidations(ctx); err != nil {
		return fmt.Errorf("subscribe to session invalidations: %w", err)
	}
	sessions.StartSweeper(ctx, cfg.SessionSweepInterval, cfg.SessionIdleTTL)
	slog.Info("Session sweeper started", "idle_ttl", cfg.SessionIdleTTL, "interval", cfg.SessionSweepInterval)

	lib := library.New(repo, rec)

	catalog, err := essay.LoadCatalog(cfg.TemplatesPath)
	if err != nil {
		return fmt.Errorf("load essay templates: %w", err)
	}

	conversations, err := transcript.New(cfg.ConversationLog, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := conversations.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	guided := progression.New(sessions, completer, rec)
	coach := essay.New(sessions, completer, lib, catalog,
		essay.WithTranscript(conversations),
		essay.WithMetrics(rec),
	)

	// Initialize handlers.
	apiHandler := api.NewHandler(guided, coach, lib, cfg.MaxRequestBodyBytes)
	healthHandler := api.NewHealthHandler(repo, sessions.Len)
	hub := realtime.NewHub()
	wsHandler := realtime.NewHandler(coach, hub, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, identity.IPFromRequest)
	limiter.StartJanitor(ctx, time.Minute, 10*time.Minute)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", rec.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/essay/{sessionId}", wsHandler.ServeHTTP)
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var health *healthsrv.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		health = healthsrv.New(repo, 15*time.Second, slog.Default())
		go func() {
			if err := health.Serve(ctx, lis); err != nil {
				errCh <- err
			}
		}()
	}

	// Wait for shutdown signal or a listener failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("Server failed", "error", err)
		stop()
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if health != nil {
		health.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func newInvalidator(ctx context.Context, cfg *config.Config) (session.Invalidator, error) {
	if cfg.RedisAddr == "" {
		slog.Info("REDIS_ADDR not set, session invalidation is local only")
		return session.NoopInvalidator{}, nil
	}
	host, _ := os.Hostname()
	instanceID := host + "-" + uuid.NewString()[:8]
	inv, err := session.NewRedisInvalidator(ctx, cfg.RedisAddr, cfg.RedisChannel, instanceID)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("Session invalidation via Redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel, "instance", instanceID)
	return inv, nil
}
