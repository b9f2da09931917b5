// Command beacon replays detection-script traffic against a collector.
//
// It reads the grouped snapshot of one page, then posts signed URL Metrics for
// viewports that fall into incomplete groups, drawing devices from a traffic
// profile. It stops once every group is complete or -max-requests is reached.
//
// Usage:
//
//	beacon \
//	  -target=http://localhost:8080 \
//	  -page-url='https://example.com/?p=1' \
//	  -origin=https://example.com \
//	  -hmac-key=$SECRET \
//	  -profile=mobile-heavy
//
// Environment variables mirror the flags: TARGET_URL, PAGE_URL, ORIGIN,
// HMAC_KEY, OPTIMIZERS, PROFILE, LCP_XPATH, INTERVAL, MAX_REQUESTS,
// CONCURRENCY, SPOOF_CLIENT_IP, TLS_ENABLED, TLS_CA_FILE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/httpx"
	"github.com/HatiCode/urlmetrics/pkg/tls"
)

func main() {
	var (
		cfg        Config
		optimizers string
		tlsCfg     tls.Config
		timeout    time.Duration
	)

	flag.StringVar(&cfg.Target, "target", getEnv("TARGET_URL", "http://localhost:8080"), "Collector base URL")
	flag.StringVar(&cfg.PageURL, "page-url", getEnv("PAGE_URL", "https://example.com/"), "URL of the page being measured")
	flag.StringVar(&cfg.Origin, "origin", getEnv("ORIGIN", "https://example.com"), "Origin header sent with submissions")
	flag.StringVar(&cfg.HMACKey, "hmac-key", getEnv("HMAC_KEY", ""), "Key shared with the collector for request HMACs")
	flag.StringVar(&optimizers, "optimizers", getEnv("OPTIMIZERS", ""), "Comma-separated active optimizers (name:version), used for the ETag")
	flag.StringVar(&cfg.Profile, "profile", getEnv("PROFILE", "uniform"), "Traffic profile: uniform, mobile-heavy, desktop-heavy")
	flag.StringVar(&cfg.LCPXPath, "lcp-xpath", getEnv("LCP_XPATH", "/*[1][self::HTML]/*[2][self::BODY]/*[1][self::MAIN]/*[1][self::IMG]"), "XPath reported for the LCP element")
	flag.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", time.Second), "Delay between rounds")
	flag.IntVar(&cfg.MaxRequests, "max-requests", getEnvInt("MAX_REQUESTS", 0), "Stop after this many submissions (0 = until complete)")
	flag.IntVar(&cfg.Concurrency, "concurrency", getEnvInt("CONCURRENCY", 1), "Submissions per round")
	flag.BoolVar(&cfg.SpoofClientIP, "spoof-client-ip", getEnvBool("SPOOF_CLIENT_IP", false), "Send a random X-Forwarded-For per request (only honoured by a collector run with -trusted-proxy)")
	flag.DurationVar(&timeout, "timeout", getEnvDuration("TIMEOUT", 5*time.Second), "HTTP client timeout")
	flag.BoolVar(&tlsCfg.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS to the collector")
	flag.StringVar(&tlsCfg.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA certificate for the collector")
	flag.Parse()

	cfg.Optimizers = splitList(optimizers)

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	profile, ok := profiles[cfg.Profile]
	if !ok {
		log.Error("unknown profile", "profile", cfg.Profile)
		os.Exit(1)
	}

	client, err := httpx.NewClient(tlsCfg, timeout)
	if err != nil {
		log.Error("failed to create http client", "error", err)
		os.Exit(1)
	}

	b, err := NewBeacon(cfg, client, nil, log)
	if err != nil {
		log.Error("failed to create beacon", "error", err)
		os.Exit(1)
	}

	log.Info("starting beacon",
		"target", cfg.Target,
		"page_url", cfg.PageURL,
		"slug", b.Slug(),
		"etag", b.ETag(),
		"profile", profile.Name,
		"description", profile.Description,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	waitForTarget(ctx, client, cfg.Target, log)

	err = b.Run(ctx)
	switch {
	case errors.Is(err, ErrAllGroupsComplete):
		log.Info("all viewport groups are complete", "stats", fmt.Sprint(b.Stats()))
	case errors.Is(err, context.Canceled):
		log.Info("interrupted")
	case err != nil:
		log.Error("beacon failed", "error", err)
		os.Exit(1)
	}
}

func waitForTarget(ctx context.Context, client *http.Client, target string, log *slog.Logger) {
	log.Info("waiting for collector", "target", target)

	for i := 0; i < 60; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/healthz", nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Info("collector is ready")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}

	log.Warn("collector not ready after 2 minutes, proceeding anyway")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
