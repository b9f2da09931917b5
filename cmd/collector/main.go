// Command collector implements the URL Metrics collection service.
//
// The detection script running in visitors' browsers posts one URL Metric per
// page view. The collector validates the record, files it into the viewport
// group it belongs to and stores it only while that group still needs
// samples. Renderers read the grouped result to decide lazy loading, fetch
// priority and preload hints per breakpoint.
//
// The collector serves an HTTP API on port 8080 (configurable) providing:
//   - POST /v1/url-metrics/store - Store a URL Metric
//   - GET /v1/url-metrics/groups?slug=&current_etag= - Grouped snapshot
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// When -grpc-listen is set, the grouped snapshot is also served over gRPC as
// urlmetrics.v1.URLMetricGroups/GetGroups, together with gRPC health and
// reflection. gRPC health follows the storage backend's ping and turns
// NOT_SERVING before the server drains on shutdown.
//
// Usage:
//
//	collector \
//	  -hmac-key=$SECRET \
//	  -allowed-origins=https://example.com \
//	  -storage=redis -redis-addr=redis:6379 \
//	  -config-file=/etc/urlmetrics/collector.yaml
//
// Environment variables:
//
//	LISTEN           - HTTP listen address (default: :8080)
//	GRPC_LISTEN      - gRPC listen address (default: disabled)
//	CONFIG_FILE      - YAML file with grouping settings and extension properties
//	HMAC_KEY         - Key for storage request HMACs (required)
//	ALLOWED_ORIGINS  - Comma-separated allowed origins (required)
//	STORAGE          - Storage backend: memory, redis, sqlite (default: memory)
//	BREAKPOINTS      - Comma-separated breakpoint max widths (default: 480,600,782)
//	SAMPLE_SIZE      - URL Metrics kept per group (default: 3)
//	FRESHNESS_TTL    - URL Metric freshness TTL (default: 24h)
//	STORAGE_LOCK_TTL - Per-IP storage lock TTL (default: 1m)
//	TRUSTED_PROXY    - Take client IPs from X-Forwarded-For (default: false)
//	MEMORY_TTL       - In-memory retention when STORAGE=memory (default: none)
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT       - Logging format: text, json (default: text)
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"

	"github.com/HatiCode/urlmetrics/cmd/collector/config"
	"github.com/HatiCode/urlmetrics/cmd/collector/logger"
	"github.com/HatiCode/urlmetrics/cmd/collector/metrics"
	"github.com/HatiCode/urlmetrics/cmd/collector/router"
	"github.com/HatiCode/urlmetrics/cmd/collector/store"
	"github.com/HatiCode/urlmetrics/pkg/collector"
	"github.com/HatiCode/urlmetrics/pkg/grpcapi"
	"github.com/HatiCode/urlmetrics/pkg/httpx"
	"github.com/HatiCode/urlmetrics/pkg/pagekey"
	"github.com/HatiCode/urlmetrics/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

const healthCheckInterval = 10 * time.Second

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)

	log.Info("starting url metrics collector",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"storage", cfg.Storage,
		"breakpoints", cfg.Breakpoints,
		"sample_size", cfg.SampleSize,
		"freshness_ttl", cfg.FreshnessTTL,
		"tls_enabled", cfg.TLS.Enabled,
	)

	schema, err := cfg.Schema()
	if err != nil {
		log.Error("invalid schema configuration", "error", err)
		os.Exit(1)
	}

	signer, err := pagekey.NewSigner([]byte(cfg.HMACKey))
	if err != nil {
		log.Error("invalid hmac key", "error", err)
		os.Exit(1)
	}

	backend, err := store.New(cfg, log)
	if err != nil {
		log.Error("failed to create storage backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("failed to close storage backend", "error", err)
		}
	}()

	svc, err := collector.New(cfg.Collector(), backend.Store, schema,
		collector.WithLocker(backend.Locker),
		collector.WithLogger(log),
		collector.WithRecorder(metrics.New(prometheus.DefaultRegisterer)),
		collector.WithStoredListener(cachePurgeLogger(log)),
	)
	if err != nil {
		log.Error("failed to create collector", "error", err)
		os.Exit(1)
	}

	handler := router.SetupRoutes(router.Options{
		Collector:         svc,
		Signer:            signer,
		Origins:           httpx.NewOrigins(cfg.AllowedOrigins...),
		Health:            backend.Ping,
		TrustProxyHeaders: cfg.TrustedProxy,
		Logger:            log,
	})
	httpServer := httpx.NewServer(cfg.Listen, handler, log)

	serverErr := make(chan error, 2)
	go func() {
		if cfg.TLS.Enabled {
			tlsCfg, err := tls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, "")
			if err != nil {
				serverErr <- err
				return
			}
			httpServer.SetTLSConfig(tlsCfg)
			serverErr <- httpServer.StartTLS("", "")
			return
		}
		serverErr <- httpServer.Start()
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()

	var (
		grpcServer *grpc.Server
		grpcHealth *health.Server
	)
	if cfg.GRPCListen != "" {
		grpcLog := log.With("component", "grpc")
		grpcServer, grpcHealth, err = newGRPCServer(cfg, svc, grpcLog)
		if err != nil {
			log.Error("failed to create grpc server", "error", err)
			os.Exit(1)
		}
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen, "mtls", cfg.TLS.MutualTLS())
			serverErr <- grpcServer.Serve(lis)
		}()
		go grpcapi.WatchHealth(healthCtx, grpcHealth, backend.Ping, healthCheckInterval, grpcLog)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")

	stopHealth()
	if grpcServer != nil {
		grpcHealth.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
}

func newGRPCServer(cfg *config.Config, svc *collector.Service, log *slog.Logger) (*grpc.Server, *health.Server, error) {
	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		tlsCfg, err := tls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	gs, hs := grpcapi.NewGRPCServer(grpcapi.NewServer(svc, log), log, opts...)
	return gs, hs, nil
}

// cachePurgeLogger reports stored records whose page cache should be purged.
// Purging itself belongs to whatever fronts the site; the log line is the
// hook for it.
func cachePurgeLogger(log *slog.Logger) collector.StoredListener {
	return collector.StoredListenerFunc(func(ctx context.Context, ev collector.StoredEvent) {
		if ev.CachePurgePostID == nil {
			return
		}
		log.InfoContext(ctx, "cache purge requested",
			"slug", ev.Slug,
			"post_id", *ev.CachePurgePostID,
			"group_min_width", ev.Group.MinimumViewportWidth(),
		)
	})
}
