// Package config provides configuration parsing for the collector.
//
// Configuration comes from command-line flags, environment variables and an
// optional YAML file, in that order of precedence, on top of built-in
// defaults. The YAML file carries the grouping settings and the extension
// property declarations, which are awkward to express as flags:
//
//	breakpoints: [480, 600, 782]
//	sample_size: 3
//	freshness_ttl: 24h
//	storage_lock_ttl: 1m
//	min_aspect_ratio: 0.4
//	max_aspect_ratio: 2.5
//	allowed_origins: ["https://example.com"]
//	external_background_image: true
//	root_properties:
//	  isTouch: boolean
//	element_properties:
//	  resizedBoundingClientRect: object
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	schema, err := cfg.Schema()
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/urlmetrics/pkg/collector"
	"github.com/HatiCode/urlmetrics/pkg/grouping"
	"github.com/HatiCode/urlmetrics/pkg/storage"
	"github.com/HatiCode/urlmetrics/pkg/tls"
	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

// Config holds all collector configuration.
type Config struct {
	Listen     string
	GRPCListen string
	ConfigFile string
	LogFormat  string
	LogLevel   string

	Storage       string
	MemoryTTL     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	SQLitePath    string
	TLS           tls.Config

	HMACKey        string
	AllowedOrigins []string
	TrustedProxy   bool

	Breakpoints             []int
	SampleSize              int
	FreshnessTTL            time.Duration
	StorageLockTTL          time.Duration
	MinAspectRatio          float64
	MaxAspectRatio          float64
	ExternalBackgroundImage bool
	RootProperties          map[string]string
	ElementProperties       map[string]string
}

// fileConfig mirrors the YAML file. Pointer fields distinguish "absent" from
// zero values.
type fileConfig struct {
	Breakpoints             []int             `yaml:"breakpoints"`
	SampleSize              *int              `yaml:"sample_size"`
	FreshnessTTL            *time.Duration    `yaml:"freshness_ttl"`
	StorageLockTTL          *time.Duration    `yaml:"storage_lock_ttl"`
	MinAspectRatio          *float64          `yaml:"min_aspect_ratio"`
	MaxAspectRatio          *float64          `yaml:"max_aspect_ratio"`
	AllowedOrigins          []string          `yaml:"allowed_origins"`
	ExternalBackgroundImage *bool             `yaml:"external_background_image"`
	RootProperties          map[string]string `yaml:"root_properties"`
	ElementProperties       map[string]string `yaml:"element_properties"`
}

// ParseFlags parses command-line flags, environment variables and the config
// file into a Config. It exits the process on error.
func ParseFlags() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Load builds a validated Config from args, the environment and the file named
// by -config-file or CONFIG_FILE.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("collector", flag.ContinueOnError)

	var breakpoints, origins string

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ""), "gRPC listen address (empty disables gRPC)")
	fs.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "Optional YAML config file")

	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory, redis or sqlite")
	fs.DurationVar(&cfg.MemoryTTL, "memory-ttl", getEnvDuration("MEMORY_TTL", 0), "In-memory URL Metrics retention (0 keeps records until evicted)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", storage.DefaultRedisTTL), "Redis URL Metrics TTL")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", getEnv("SQLITE_PATH", "urlmetrics.db"), "SQLite database file")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for HTTP and gRPC")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA file for gRPC client verification")

	fs.StringVar(&cfg.HMACKey, "hmac-key", getEnv("HMAC_KEY", ""), "Key for storage request HMACs (required)")
	fs.StringVar(&origins, "allowed-origins", getEnv("ALLOWED_ORIGINS", ""), "Comma-separated origins allowed to store URL Metrics")

	fs.BoolVar(&cfg.TrustedProxy, "trusted-proxy", getEnvBool("TRUSTED_PROXY", false), "Take the client IP from X-Forwarded-For/X-Real-IP (only behind a proxy that sets them)")

	fs.StringVar(&breakpoints, "breakpoints", getEnv("BREAKPOINTS", joinInts(grouping.DefaultBreakpoints)), "Comma-separated breakpoint max widths")
	fs.IntVar(&cfg.SampleSize, "sample-size", getEnvInt("SAMPLE_SIZE", grouping.DefaultSampleSize), "URL Metrics kept per group")
	fs.DurationVar(&cfg.FreshnessTTL, "freshness-ttl", getEnvDuration("FRESHNESS_TTL", grouping.DefaultFreshnessTTL), "URL Metric freshness TTL")
	fs.DurationVar(&cfg.StorageLockTTL, "storage-lock-ttl", getEnvDuration("STORAGE_LOCK_TTL", collector.DefaultStorageLockTTL), "Per-IP storage lock TTL (0 disables)")
	fs.Float64Var(&cfg.MinAspectRatio, "min-aspect-ratio", getEnvFloat("MIN_ASPECT_RATIO", urlmetric.DefaultMinAspectRatio), "Minimum viewport aspect ratio")
	fs.Float64Var(&cfg.MaxAspectRatio, "max-aspect-ratio", getEnvFloat("MAX_ASPECT_RATIO", urlmetric.DefaultMaxAspectRatio), "Maximum viewport aspect ratio")
	fs.BoolVar(&cfg.ExternalBackgroundImage, "external-background-image", getEnvBool("EXTERNAL_BACKGROUND_IMAGE", true), "Accept the lcpElementExternalBackgroundImage property")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if cfg.Breakpoints, err = parseInts(breakpoints); err != nil {
		return nil, fmt.Errorf("breakpoints: %w", err)
	}
	cfg.AllowedOrigins = splitList(origins)

	if cfg.ConfigFile != "" {
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := cfg.applyFile(cfg.ConfigFile, set); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile fills in values from the YAML file that neither a flag nor an
// environment variable provided.
func (c *Config) applyFile(path string, setFlags map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	explicit := func(flagName, env string) bool {
		return setFlags[flagName] || os.Getenv(env) != ""
	}

	if fc.Breakpoints != nil && !explicit("breakpoints", "BREAKPOINTS") {
		c.Breakpoints = fc.Breakpoints
	}
	if fc.SampleSize != nil && !explicit("sample-size", "SAMPLE_SIZE") {
		c.SampleSize = *fc.SampleSize
	}
	if fc.FreshnessTTL != nil && !explicit("freshness-ttl", "FRESHNESS_TTL") {
		c.FreshnessTTL = *fc.FreshnessTTL
	}
	if fc.StorageLockTTL != nil && !explicit("storage-lock-ttl", "STORAGE_LOCK_TTL") {
		c.StorageLockTTL = *fc.StorageLockTTL
	}
	if fc.MinAspectRatio != nil && !explicit("min-aspect-ratio", "MIN_ASPECT_RATIO") {
		c.MinAspectRatio = *fc.MinAspectRatio
	}
	if fc.MaxAspectRatio != nil && !explicit("max-aspect-ratio", "MAX_ASPECT_RATIO") {
		c.MaxAspectRatio = *fc.MaxAspectRatio
	}
	if fc.AllowedOrigins != nil && !explicit("allowed-origins", "ALLOWED_ORIGINS") {
		c.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.ExternalBackgroundImage != nil && !explicit("external-background-image", "EXTERNAL_BACKGROUND_IMAGE") {
		c.ExternalBackgroundImage = *fc.ExternalBackgroundImage
	}
	c.RootProperties = fc.RootProperties
	c.ElementProperties = fc.ElementProperties
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	switch c.Storage {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("invalid storage %q (must be memory, redis or sqlite)", c.Storage)
	}
	if c.Storage == "sqlite" && c.SQLitePath == "" {
		return errors.New("sqlite path is required when storage=sqlite")
	}
	if c.HMACKey == "" {
		return errors.New("hmac key is required")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("at least one allowed origin is required")
	}
	if c.MemoryTTL < 0 {
		return fmt.Errorf("memory TTL must be >= 0, got %v", c.MemoryTTL)
	}
	if c.StorageLockTTL < 0 {
		return fmt.Errorf("storage lock TTL must be >= 0, got %v", c.StorageLockTTL)
	}
	if c.MinAspectRatio <= 0 || c.MinAspectRatio >= c.MaxAspectRatio {
		return fmt.Errorf("invalid aspect ratio bounds [%v, %v]", c.MinAspectRatio, c.MaxAspectRatio)
	}
	if err := c.Collector().Validate(); err != nil {
		return err
	}
	if _, err := c.Schema(); err != nil {
		return err
	}
	return c.TLS.Validate()
}

// Collector returns the grouping settings for the collector service.
func (c *Config) Collector() collector.Config {
	return collector.Config{
		Breakpoints:  c.Breakpoints,
		SampleSize:   c.SampleSize,
		FreshnessTTL: c.FreshnessTTL,
	}
}

// Schema builds the URL Metric schema with the configured aspect ratio bounds
// and extension properties.
func (c *Config) Schema() (*urlmetric.Schema, error) {
	s := urlmetric.NewSchema(urlmetric.WithAspectRatioBounds(c.MinAspectRatio, c.MaxAspectRatio))
	if c.ExternalBackgroundImage {
		if err := s.RegisterRootProperty(urlmetric.ExternalBackgroundImageProperty, urlmetric.ExternalBackgroundImage()); err != nil {
			return nil, err
		}
	}
	for name, kind := range c.RootProperties {
		p, err := urlmetric.TypedProperty(kind)
		if err != nil {
			return nil, fmt.Errorf("root property %q: %w", name, err)
		}
		if err := s.RegisterRootProperty(name, p); err != nil {
			return nil, err
		}
	}
	for name, kind := range c.ElementProperties {
		p, err := urlmetric.TypedProperty(kind)
		if err != nil {
			return nil, fmt.Errorf("element property %q: %w", name, err)
		}
		if err := s.RegisterElementProperty(name, p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parseInts(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		if n <= 0 {
			return nil, fmt.Errorf("breakpoint must be > 0, got %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
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
