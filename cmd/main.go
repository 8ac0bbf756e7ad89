package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UnknownOlympus/cartographer/internal/config"
	"github.com/UnknownOlympus/cartographer/internal/extraction"
	"github.com/UnknownOlympus/cartographer/internal/geocoding"
	"github.com/UnknownOlympus/cartographer/internal/metrics"
	"github.com/UnknownOlympus/cartographer/internal/pipeline"
	"github.com/UnknownOlympus/cartographer/internal/repository"
	"github.com/UnknownOlympus/cartographer/internal/screenshot"
	"github.com/UnknownOlympus/cartographer/internal/server"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// Constants for different environment types.
const (
	envLocal = "local"
	envDev   = "development"
	envProd  = "production"
)

// cleanupInterval is how often expired sessions are swept.
const cleanupInterval = 10 * time.Minute

func main() {
	// Graceful shutdown on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()
	logger := setupLogger(cfg.Env)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)

	// The extraction cache is optional: without a database every upload
	// goes straight to the vision model.
	var (
		cache repository.Interface
		pool  *pgxpool.Pool
	)
	if cfg.Database.Enabled() {
		var err error
		pool, err = repository.NewDatabase(
			ctx, cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
		)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer pool.Close()
		cache = repository.NewRepository(pool, logger)
	} else {
		logger.InfoContext(ctx, "No database configured, extraction cache disabled")
	}

	provider, err := geocoding.NewProvider(geocoding.ProviderConfig{
		Type:      geocoding.ProviderType(cfg.Provider.Type),
		APIKey:    cfg.Provider.APIKey,
		RateLimit: cfg.Provider.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create geocoding provider: %v", err)
	}
	logger.InfoContext(ctx, "Geocoding provider initialized", "type", cfg.Provider.Type)

	// Only the Google provider can snap road geometry; with Nominatim the
	// pipeline skips road highlighting.
	roads, _ := provider.(geocoding.RoadGeometrySource)

	extractor := extraction.NewOllamaExtractor(cfg.Ollama.Model, logger)
	capturer := screenshot.NewStaticMapCapturer(cfg.Provider.APIKey, logger)
	sessions := session.NewMemoryStore()

	svc := pipeline.NewService(
		logger,
		provider,
		roads,
		extractor,
		extractor,
		capturer,
		cache,
		sessions,
		appMetrics,
		cfg.Overlay.Opacity,
		cfg.SessionTTL,
	)

	go sweepSessions(ctx, logger, svc)

	mux := http.NewServeMux()
	server.New(logger, svc).Register(mux)
	registerMonitoring(ctx, logger, mux, reg, pool)

	logger.InfoContext(ctx, "Application started. Press Ctrl+C to stop.", "port", cfg.Port)
	go serveHTTP(ctx, logger, mux, cfg.Port)

	<-ctx.Done()
	logger.InfoContext(ctx, "Shutdown signal received. Stopping application...")
	logger.InfoContext(ctx, "Application stopped gracefully.")
}

// sweepSessions drops expired sessions on a fixed interval, keeping the
// active-sessions gauge in step.
func sweepSessions(ctx context.Context, log *slog.Logger, svc *pipeline.Service) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Sweep(ctx); err != nil {
				log.WarnContext(ctx, "Session cleanup failed", "error", err)
			}
		}
	}
}

// registerMonitoring attaches the health check and metrics endpoints.
// pool may be nil when the cache database is disabled.
func registerMonitoring(
	ctx context.Context,
	log *slog.Logger,
	mux *http.ServeMux,
	reg *prometheus.Registry,
	pool *pgxpool.Pool,
) {
	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		log.DebugContext(ctx, "Performing health checks...")
		status, body := http.StatusOK, "OK"
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				status, body = http.StatusServiceUnavailable, "DB ping failed"
			}
		}
		writer.WriteHeader(status)
		if _, err := writer.Write([]byte(body)); err != nil {
			log.ErrorContext(ctx, "failed to write reply", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}

// serveHTTP runs the combined API and monitoring server until it fails or
// the process is stopped.
func serveHTTP(ctx context.Context, log *slog.Logger, mux *http.ServeMux, port int) {
	// No WriteTimeout: the upload and deep-refine endpoints stream for as
	// long as the pipeline runs.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.ErrorContext(ctx, "HTTP server failed", "error", err)
	}
}

// setupLogger initializes and returns a logger based on the environment provided.
func setupLogger(env string) *slog.Logger {
	var logger *slog.Logger

	switch env {
	case envLocal:
		logger = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:     slog.LevelDebug,
				AddSource: true,
			}),
		)
	case envDev:
		logger = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}),
		)
	case envProd:
		logger = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelWarn,
			}),
		)
	default:
		logger = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelError,
			}),
		)
		logger.Error(
			"The env parameter was not specified or was invalid. Logging will be minimal, by default.",
			slog.String("available_envs", "local, development, production"))
	}

	return logger
}
