package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"

	"github.com/alorle/m3u8-proxy/circuitbreaker"
	"github.com/alorle/m3u8-proxy/config"
	"github.com/alorle/m3u8-proxy/internal/adapter/driven"
	"github.com/alorle/m3u8-proxy/internal/adapter/driver"
	"github.com/alorle/m3u8-proxy/internal/application"
	"github.com/alorle/m3u8-proxy/internal/manifest"
	"github.com/alorle/m3u8-proxy/logging"
	"github.com/alorle/m3u8-proxy/metrics"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	logger.Info("starting m3u8-proxy", append([]any{"version", version}, cfg.LogAttrs()...)...)

	// Open BoltDB
	db, err := bbolt.Open(cfg.History.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	// Create driven adapters (repositories and upstream client)
	historyRepo, err := driven.NewResolutionBoltDBRepository(db, cfg.History.MaxEntries)
	if err != nil {
		log.Fatalf("failed to create resolution repository: %v", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
		HalfOpenRequests: cfg.CircuitBreaker.HalfOpenRequests,
		Logger:           logger,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				metrics.RecordCircuitBreakerTrip()
			}
		},
	}, cfg.CircuitBreaker.MaxHosts)

	fetcher := driven.NewPlaylistHTTPFetcher(driven.PlaylistHTTPFetcherConfig{
		Timeout:   cfg.Upstream.Timeout,
		UserAgent: cfg.Upstream.UserAgent,
		MaxBytes:  cfg.Upstream.MaxManifestBytes,
		RateLimit: cfg.Upstream.RateLimit,
	}, nil, breakers, logger)

	sanitizer := manifest.NewSanitizer(manifest.Rules{
		AdPodMin:       cfg.Sanitizer.AdPodMin,
		AdPodMax:       cfg.Sanitizer.AdPodMax,
		VendorSegments: cfg.Sanitizer.VendorPaths,
	})

	// Create application services
	resolverService := application.NewResolverService(fetcher, sanitizer, historyRepo, cfg.Resolver.MaxHops, logger)
	historyService := application.NewHistoryService(historyRepo)
	healthService := application.NewHealthService(historyRepo)

	// Register API routes
	apiMux := http.NewServeMux()
	apiMux.Handle("/health", driver.NewHealthHTTPHandler(healthService))
	apiMux.Handle("/resolutions", driver.NewResolutionHTTPHandler(historyService))
	apiMux.Handle("/openapi.json", driver.NewOpenAPIHandler(driver.NewOpenAPIDocument(version)))

	// Root router: API under /api/, proxy and metrics at root
	rootMux := http.NewServeMux()
	rootMux.Handle("/api/", http.StripPrefix("/api", apiMux))
	driver.NewProxyHTTPHandler(resolverService, logger).Register(rootMux)
	rootMux.Handle("/metrics", metricsHandler(breakers))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      logging.Middleware(logger)(rootMux),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// metricsHandler refreshes the breaker gauges before every scrape.
func metricsHandler(breakers *circuitbreaker.Registry) http.Handler {
	next := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts := breakers.Counts()
		metrics.SetCircuitBreakerCounts(counts[circuitbreaker.StateClosed], counts[circuitbreaker.StateOpen], counts[circuitbreaker.StateHalfOpen])
		next.ServeHTTP(w, r)
	})
}
