package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/HatiCode/urlmetrics/pkg/urlmetric"
)

var requiredArgs = []string{"-hmac-key=secret", "-allowed-origins=https://example.com"}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "from-env")

	if got := getEnv("TEST_VAR", "default"); got != "from-env" {
		t.Errorf("getEnv() = %q, want %q", got, "from-env")
	}
	if got := getEnv("NONEXISTENT_VAR", "default"); got != "default" {
		t.Errorf("getEnv() = %q, want %q", got, "default")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_FLOAT", "0.5")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BOOL", "1")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvInt() with invalid value = %d, want default 1", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.5 {
		t.Errorf("getEnvFloat() = %v, want 0.5", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(requiredArgs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if !reflect.DeepEqual(cfg.Breakpoints, []int{480, 600, 782}) {
		t.Errorf("Breakpoints = %v", cfg.Breakpoints)
	}
	if cfg.SampleSize != 3 {
		t.Errorf("SampleSize = %d", cfg.SampleSize)
	}
	if cfg.FreshnessTTL != 24*time.Hour {
		t.Errorf("FreshnessTTL = %v", cfg.FreshnessTTL)
	}
	if cfg.StorageLockTTL != time.Minute {
		t.Errorf("StorageLockTTL = %v", cfg.StorageLockTTL)
	}
	if !cfg.ExternalBackgroundImage {
		t.Error("ExternalBackgroundImage should default to true")
	}
	if cfg.Collector().MaxPerKey() != 12 {
		t.Errorf("MaxPerKey = %d, want 12", cfg.Collector().MaxPerKey())
	}
	if cfg.TrustedProxy {
		t.Error("TrustedProxy should default to false")
	}
	if cfg.MemoryTTL != 0 {
		t.Errorf("MemoryTTL = %v, want 0", cfg.MemoryTTL)
	}
}

func TestLoad_Flags(t *testing.T) {
	args := append([]string{
		"-breakpoints=320, 1024",
		"-sample-size=5",
		"-freshness-ttl=1h",
		"-storage=sqlite",
		"-sqlite-path=/tmp/um.db",
		"-memory-ttl=2h",
		"-trusted-proxy",
	}, requiredArgs...)

	cfg, err := Load(args)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Breakpoints, []int{320, 1024}) {
		t.Errorf("Breakpoints = %v", cfg.Breakpoints)
	}
	if cfg.SampleSize != 5 || cfg.FreshnessTTL != time.Hour {
		t.Errorf("SampleSize = %d, FreshnessTTL = %v", cfg.SampleSize, cfg.FreshnessTTL)
	}
	if cfg.Storage != "sqlite" || cfg.SQLitePath != "/tmp/um.db" {
		t.Errorf("Storage = %q, SQLitePath = %q", cfg.Storage, cfg.SQLitePath)
	}
	if cfg.MemoryTTL != 2*time.Hour || !cfg.TrustedProxy {
		t.Errorf("MemoryTTL = %v, TrustedProxy = %v", cfg.MemoryTTL, cfg.TrustedProxy)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing hmac key", args: []string{"-allowed-origins=https://example.com"}},
		{name: "missing origins", args: []string{"-hmac-key=secret"}},
		{name: "bad storage", args: append([]string{"-storage=postgres"}, requiredArgs...)},
		{name: "bad breakpoint", args: append([]string{"-breakpoints=480,abc"}, requiredArgs...)},
		{name: "negative breakpoint", args: append([]string{"-breakpoints=-1"}, requiredArgs...)},
		{name: "zero sample size", args: append([]string{"-sample-size=0"}, requiredArgs...)},
		{name: "negative memory ttl", args: append([]string{"-memory-ttl=-1s"}, requiredArgs...)},
		{name: "negative lock ttl", args: append([]string{"-storage-lock-ttl=-1s"}, requiredArgs...)},
		{name: "inverted aspect ratio", args: append([]string{"-min-aspect-ratio=3"}, requiredArgs...)},
		{name: "tls without files", args: append([]string{"-tls-enabled"}, requiredArgs...)},
		{name: "unknown flag", args: append([]string{"-workload=api"}, requiredArgs...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
breakpoints: [360, 720]
sample_size: 4
freshness_ttl: 12h
storage_lock_ttl: 0s
allowed_origins: ["https://example.com", "https://www.example.com"]
external_background_image: false
root_properties:
  isTouch: boolean
element_properties:
  resizedBoundingClientRect: object
`)

	cfg, err := Load([]string{"-config-file=" + path, "-hmac-key=secret"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Breakpoints, []int{360, 720}) {
		t.Errorf("Breakpoints = %v", cfg.Breakpoints)
	}
	if cfg.SampleSize != 4 || cfg.FreshnessTTL != 12*time.Hour || cfg.StorageLockTTL != 0 {
		t.Errorf("SampleSize = %d, FreshnessTTL = %v, StorageLockTTL = %v", cfg.SampleSize, cfg.FreshnessTTL, cfg.StorageLockTTL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.ExternalBackgroundImage {
		t.Error("ExternalBackgroundImage should be disabled by the file")
	}

	schema, err := cfg.Schema()
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	stamp := urlmetric.Stamp{
		UUID:      "7b5b1a32-3e37-4c2e-9b39-1e5c0b5a1a10",
		ETag:      "d41d8cd98f00b204e9800998ecf8427e",
		Timestamp: 1_700_000_000,
	}
	valid := []byte(`{"url":"https://example.com/","viewport":{"width":400,"height":800},"isTouch":true,"elements":[]}`)
	if _, err := schema.ParseSubmission(valid, stamp); err != nil {
		t.Errorf("ParseSubmission() error = %v", err)
	}
	wrongType := []byte(`{"url":"https://example.com/","viewport":{"width":400,"height":800},"isTouch":"yes","elements":[]}`)
	if _, err := schema.ParseSubmission(wrongType, stamp); err == nil {
		t.Error("ParseSubmission() should reject a non-boolean isTouch")
	}
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "sample_size: 4\nbreakpoints: [360]\n")
	t.Setenv("BREAKPOINTS", "500")

	cfg, err := Load(append([]string{"-config-file=" + path, "-sample-size=6"}, requiredArgs...))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SampleSize != 6 {
		t.Errorf("SampleSize = %d, want flag value 6", cfg.SampleSize)
	}
	if !reflect.DeepEqual(cfg.Breakpoints, []int{500}) {
		t.Errorf("Breakpoints = %v, want env value [500]", cfg.Breakpoints)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	if _, err := Load(append([]string{"-config-file=/nonexistent/collector.yaml"}, requiredArgs...)); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeFile(t, "root_properties:\n  isTouch: timestamp\n")
	if _, err := Load(append([]string{"-config-file=" + path}, requiredArgs...)); err == nil {
		t.Error("expected error for unknown property type")
	}

	path = writeFile(t, "root_properties:\n  url: string\n")
	if _, err := Load(append([]string{"-config-file=" + path}, requiredArgs...)); err == nil {
		t.Error("expected error for core property name")
	}
}
